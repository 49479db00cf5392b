package stream

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dify-chat/backend/internal/controller"
	"github.com/zhouzirui/dify-chat/backend/internal/middleware"
	"github.com/zhouzirui/dify-chat/backend/pkg/utils"
)

// Handler manages streaming chat exchanges via Server-Sent Events
type Handler struct {
	ctl *controller.Controller
}

// New creates a new stream handler
func New(ctl *controller.Controller) *Handler {
	return &Handler{ctl: ctl}
}

// RegisterRoutes mounts the streaming endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleQuery)
	r.Post("/stream", h.handleBody)
}

type streamRequest struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.serve(w, r, streamRequest{Prompt: q.Get("message"), Mode: q.Get("mode")})
}

func (h *Handler) handleBody(w http.ResponseWriter, r *http.Request) {
	var payload streamRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.serve(w, r, payload)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, req streamRequest) {
	if strings.TrimSpace(req.Prompt) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}
	mode, ok := controller.ParseMode(req.Mode)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "mode must be blocking or streaming")
		return
	}
	if mode == controller.ModeDefault {
		mode = controller.ModeStreaming
	}

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess := middleware.GetSession(r.Context())
	view := controller.EventSink(func(ev controller.Event) error {
		return sse.Send(string(ev.Type), ev)
	})

	if _, err := h.ctl.Submit(r.Context(), sess, controller.Submission{Prompt: req.Prompt, Mode: mode}, view); err != nil {
		log.Debug().Err(err).Str("session", sess.ID).Msg("stream exchange ended with error")
	}
}
