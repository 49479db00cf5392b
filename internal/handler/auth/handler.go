package auth

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dify-chat/backend/internal/middleware"
	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
	authService "github.com/zhouzirui/dify-chat/backend/internal/service/auth"
	chatService "github.com/zhouzirui/dify-chat/backend/internal/service/chat"
	"github.com/zhouzirui/dify-chat/backend/pkg/utils"
)

// Handler 认证相关的HTTP处理器
type Handler struct {
	manager    *authService.Manager
	sessions   *chatService.Service
	cookieName string
}

// New 创建认证处理器，登出时从 sessions 中销毁会话并清除 cookieName
func New(manager *authService.Manager, sessions *chatService.Service, cookieName string) *Handler {
	return &Handler{manager: manager, sessions: sessions, cookieName: cookieName}
}

// RegisterRoutes 注册认证路由，要求上游已挂载 SessionLoader
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.handleSignUp)
		r.Post("/signin", h.handleSignIn)
		r.Post("/signout", h.handleSignOut)
		r.Get("/me", h.handleMe)
	})
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	User user.Identity `json:"user"`
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess := middleware.GetSession(r.Context())
	identity, err := h.manager.SignUp(r.Context(), sess, payload.Email, payload.Password)
	if err != nil {
		respondAuthError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, userResponse{User: identity})
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess := middleware.GetSession(r.Context())
	identity, err := h.manager.SignIn(r.Context(), sess, payload.Email, payload.Password)
	if err != nil {
		respondAuthError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, userResponse{User: identity})
}

// handleSignOut 总是清空并销毁会话；后端失败只作为提示返回
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess := middleware.GetSession(r.Context())
	resp := map[string]string{"status": "signed_out"}
	if err := h.manager.SignOut(r.Context(), sess); err != nil {
		resp["warning"] = authService.Describe(err)
	}

	if err := h.sessions.DeleteSession(r.Context(), sess.ID); err != nil && !errors.Is(err, chatService.ErrSessionNotFound) {
		log.Warn().Err(err).Str("session", sess.ID).Msg("delete session failed")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleMe 返回当前用户，?verify=true 时向身份后端校验令牌
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := middleware.GetSession(r.Context())

	verify, _ := strconv.ParseBool(r.URL.Query().Get("verify"))
	if verify {
		identity, err := h.manager.Verify(r.Context(), sess)
		if err != nil {
			respondAuthError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, userResponse{User: identity})
		return
	}

	identity, ok := h.manager.CurrentUser(sess)
	if !ok {
		respondAuthError(w, authService.ErrNotAuthenticated)
		return
	}
	utils.RespondJSON(w, http.StatusOK, userResponse{User: identity})
}

func respondAuthError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, authService.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, authService.ErrRejected):
		status = http.StatusBadRequest
	case errors.Is(err, authService.ErrTransport):
		status = http.StatusServiceUnavailable
	default:
		log.Error().Err(err).Msg("unexpected auth failure")
	}
	utils.RespondError(w, status, authService.Describe(err))
}
