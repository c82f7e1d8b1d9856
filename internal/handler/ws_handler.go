package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/guard"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// commandBuffer bounds how far the read loop may run ahead of the session loop.
const commandBuffer = 32

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler runs one test session per WebSocket connection.
type WSHandler struct {
	rdb         *redis.Client
	cfg         *config.Config
	materials   *service.MaterialService
	submissions *service.SubmissionService
	prefs       *service.PreferenceService
	proctor     *service.ProctorService
	clocks      *service.ClockService
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	rdb *redis.Client,
	cfg *config.Config,
	materials *service.MaterialService,
	submissions *service.SubmissionService,
	prefs *service.PreferenceService,
	proctor *service.ProctorService,
	clocks *service.ClockService,
	log zerolog.Logger,
) *WSHandler {
	return &WSHandler{
		rdb:         rdb,
		cfg:         cfg,
		materials:   materials,
		submissions: submissions,
		prefs:       prefs,
		proctor:     proctor,
		clocks:      clocks,
		log:         log.With().Str("component", "ws_handler").Logger(),
		upgrader:    buildUpgrader(cfg.AllowedOrigins),
	}
}

// TestStream godoc
// WS /ws/v1/tests/:test_id/stream?token=...
// Upgrades to WebSocket and runs the test session over it.
func (h *WSHandler) TestStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()
	test, err := h.materials.Load(reqCtx, testID)
	if err != nil {
		if errors.Is(err, service.ErrTestNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrTestNotFound)
			return
		}
		h.log.Error().Err(err).Str("test_id", testID.String()).Msg("Load material failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	// Teacher previews neither resume nor persist the clock.
	var startedAt time.Time
	var clock session.ClockRecorder
	if claims.Role == model.RoleStudent {
		done, err := h.submissions.AnswersSubmitted(reqCtx, testID, claims.UserID)
		if err != nil {
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
			return
		}
		if done {
			response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
			return
		}
		if startedAt, err = h.clocks.StartedAt(reqCtx, testID, claims.UserID); err != nil {
			h.log.Error().Err(err).Str("test_id", testID.String()).Msg("Load clock start failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
			return
		}
		clock = h.clocks.Recorder(testID, claims.UserID)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := h.log.With().
		Str("request_id", response.RequestID(c)).
		Int("user_id", claims.UserID).
		Str("role", string(claims.Role)).
		Str("test_id", testID.String()).
		Str("kind", string(test.Kind)).
		Logger()

	store := answer.NewMirror(answer.NewDense(test.TotalQuestions), h.rdb, testID, claims.UserID, log)
	if n, err := store.Restore(reqCtx); err != nil {
		log.Warn().Err(err).Msg("Autosave restore failed, starting empty")
	} else if n > 0 {
		log.Info().Int("restored", n).Msg("Autosaved answers restored")
	}

	volume, err := h.prefs.Volume(reqCtx, claims.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("Volume preference unavailable")
	}

	client := ws.NewClient(conn, testLocation(test), log)
	sess, err := session.New(test, session.Options{
		UserID:         claims.UserID,
		Role:           claims.Role,
		Volume:         volume,
		Timeslice:      h.cfg.RecordingTimeslice,
		SettleTicks:    h.cfg.SettleSeconds,
		AutoReadAloud:  c.Query("read_aloud") == "1",
		ClockStartedAt: startedAt,
	}, session.Deps{
		Store:     store,
		Submitter: h.submissions,
		Observer:  client,
		Guard: guard.Deps{
			Platform:   client,
			Fullscreen: client,
			Navigator:  client,
			Confirmer:  client,
			Notifier:   client,
			Reporter:   h.proctor.Reporter(testID, claims.UserID),
		},
		Loader:      client,
		VolumeSaver: h.prefs.VolumeSaver(claims.UserID),
		Backend:     client,
		Speech:      client,
		Clock:       clock,
		Log:         log,
	})
	if err != nil {
		log.Error().Err(err).Msg("Session setup failed")
		client.SendError(response.GetMessage(response.ErrContentFailure), nil)
		return
	}

	log.Info().Msg("Session connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmds := make(chan session.Command, commandBuffer)
	go readLoop(ctx, cancel, conn, client, cmds, log)

	sess.Loop(ctx, cmds)
	// Let an in-flight submission report back before the socket closes.
	sess.Wait()

	log.Info().
		Bool("finished", sess.Finished()).
		Str("reason", string(sess.Reason())).
		Msg("Session closed")
}

// readLoop turns client frames into session commands until the socket
// fails, then cancels the session.
func readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, client *ws.Client, cmds chan<- session.Command, log zerolog.Logger) {
	defer cancel()

	for {
		raw, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			} else {
				log.Debug().Msg("Connection closed")
			}
			return
		}

		cmd, err := client.Translate(raw)
		if err != nil {
			var fe *ws.FieldError
			if errors.As(err, &fe) {
				client.SendError(response.GetMessage(response.ErrInvalidPayload), fe.Fields)
			} else {
				client.SendError(err.Error(), nil)
			}
			continue
		}
		if cmd == nil {
			continue
		}

		select {
		case cmds <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// testLocation is the page a guarded tab is pinned to.
func testLocation(t *model.Test) string {
	return fmt.Sprintf("/tests/%s/%s", t.ID, strings.ToLower(string(t.Kind)))
}
