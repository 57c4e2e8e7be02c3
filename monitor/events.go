package monitor

import (
	"fmt"
	"forkchain/consensus"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"net"
	"sync"
	"time"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventMessage 推送给客户端的一条事件，Data是tmjson编码的事件数据
type EventMessage struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data"`
}

// eventSession 一个websocket客户端
// 事件回调不能阻塞engine，队列满时丢弃事件
type eventSession struct {
	listenerID string
	conn       *websocket.Conn
	logger     log.Logger

	queue     chan EventMessage
	closeOnce sync.Once
	quit      chan struct{}
}

func newEventSession(seq int, logger log.Logger) *eventSession {
	return &eventSession{
		listenerID: fmt.Sprintf("monitor-ws-%d", seq),
		logger:     logger,
		queue:      make(chan EventMessage, defaultEventBuffer),
		quit:       make(chan struct{}),
	}
}

func (session *eventSession) subscribe(evsw events.EventSwitch) error {
	for _, event := range consensus.AllEvents {
		event := event
		err := evsw.AddListenerForEvent(session.listenerID, event, func(data events.EventData) {
			session.push(event, data)
		})
		if err != nil {
			evsw.RemoveListener(session.listenerID)
			return err
		}
	}
	return nil
}

func (session *eventSession) push(event string, data events.EventData) {
	bz, err := tmjson.Marshal(data)
	if err != nil {
		session.logger.Error("Failed to encode event", "event", event, "err", err)
		return
	}
	select {
	case session.queue <- EventMessage{Event: event, Data: bz}:
	default:
		session.logger.Debug("Event queue is full, dropping event", "event", event)
	}
}

func (session *eventSession) close() {
	session.closeOnce.Do(func() {
		close(session.quit)
	})
}

// run 阻塞直到连接关闭
func (session *eventSession) run(conn *websocket.Conn) {
	session.conn = conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.readRoutine()
	}()
	session.writeRoutine()
	session.close()
	session.conn.Close()
	<-done
}

// readRoutine 客户端不会发送数据，读取只是为了处理ping/pong以及close
func (session *eventSession) readRoutine() {
	defer session.close()

	session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := session.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if e, ok := err.(net.Error); !ok || !e.Timeout() {
					session.logger.Debug("Failed to read from connection", "err", err)
				}
			}
			return
		}
	}
}

func (session *eventSession) writeRoutine() {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-session.quit:
			session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			session.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-session.queue:
			bz, err := jsoniter.Marshal(msg)
			if err != nil {
				session.logger.Error("Failed to encode message", "err", err)
				continue
			}
			session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.TextMessage, bz); err != nil {
				session.logger.Debug("Failed to write event", "err", err)
				return
			}
		case <-pingTicker.C:
			session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				session.logger.Debug("Failed to write ping", "err", err)
				return
			}
		}
	}
}
