package chat

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/zhouzirui/dify-chat/backend/internal/controller"
	"github.com/zhouzirui/dify-chat/backend/internal/middleware"
	"github.com/zhouzirui/dify-chat/backend/internal/model/chat"
	"github.com/zhouzirui/dify-chat/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/dify-chat/backend/internal/service/chat"
	"github.com/zhouzirui/dify-chat/backend/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	ctl      *controller.Controller
	sessions *chatservice.Service
}

// New 创建聊天处理器
func New(ctl *controller.Controller, sessions *chatservice.Service) *Handler {
	return &Handler{ctl: ctl, sessions: sessions}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/transcript", h.handleTranscript)
	r.Post("/messages", h.handleSubmit)
}

type transcriptResponse struct {
	Turns []chat.Turn `json:"turns"`
}

type submitResponse struct {
	Turn   *chat.Turn         `json:"turn,omitempty"`
	Events []controller.Event `json:"events"`
	Error  string             `json:"error,omitempty"`
}

// handleTranscript 按顺序返回当前会话的全部消息
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess := middleware.GetSession(r.Context())
	turns, err := h.sessions.LoadTranscript(r.Context(), sess.ID)
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusUnauthorized, "Your session has ended, please sign in again.")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	if turns == nil {
		turns = []chat.Turn{}
	}
	utils.RespondJSON(w, http.StatusOK, transcriptResponse{Turns: turns})
}

// handleSubmit 提交一条消息并以阻塞方式返回渲染过程
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Prompt string `json:"prompt"`
		Mode   string `json:"mode"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, ok := controller.ParseMode(payload.Mode)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "mode must be blocking or streaming")
		return
	}

	sess := middleware.GetSession(r.Context())
	rec := &controller.Recorder{}
	turn, err := h.ctl.Submit(r.Context(), sess, controller.Submission{Prompt: payload.Prompt, Mode: mode}, rec)

	resp := submitResponse{Events: rec.Events()}
	if err != nil {
		for _, ev := range resp.Events {
			if ev.Type == controller.EventError {
				resp.Error = ev.Error
			}
		}
		utils.RespondJSON(w, StatusFor(err), resp)
		return
	}
	resp.Turn = &turn
	utils.RespondJSON(w, http.StatusOK, resp)
}

// StatusFor 将一次提交失败映射为HTTP状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, controller.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
