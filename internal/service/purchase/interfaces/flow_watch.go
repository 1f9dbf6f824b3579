package interfaces

import (
	"net/http"
	"time"

	"nexus-commerce/internal/pkg/logger"
	"nexus-commerce/internal/service/purchase/application"
	"nexus-commerce/internal/service/purchase/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// FlowWatcher 是 FlowWatchHandler 依赖的查询接口
type FlowWatcher interface {
	WatchFlow(flowID string) (application.FlowSnapshot, <-chan struct{}, error)
}

// FlowWatchHandler 通过 websocket 推送流程状态，每次变化推送一份快照，流程结束后关闭连接
type FlowWatchHandler struct {
	flows    FlowWatcher
	upgrader websocket.Upgrader
}

func NewFlowWatchHandler(flows FlowWatcher) *FlowWatchHandler {
	return &FlowWatchHandler{
		flows: flows,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 鉴权由网关层负责，这里允许所有来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *FlowWatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flowID")
	if _, _, err := h.flows.WatchFlow(flowID); err != nil {
		writeError(w, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Str("flow_id", flowID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// 读协程只用于感知客户端断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		snap, changed, err := h.flows.WatchFlow(flowID)
		if err != nil {
			// 流程已被清理
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
		if snap.Outcome != domain.OutcomeInProgress {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.Outcome)),
				time.Now().Add(writeWait))
			return
		}

	wait:
		for {
			select {
			case <-changed:
				break wait
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}
