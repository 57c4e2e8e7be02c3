package monitor

import (
	"github.com/gorilla/websocket"
	"github.com/tendermint/tendermint/libs/service"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"net"
	"net/http"
	"sync"
)

const (
	// EventsEndpoint 推送consensus事件的websocket地址
	EventsEndpoint = "/events"
	// RPCWebsocketEndpoint 通过websocket调用Routes
	RPCWebsocketEndpoint = "/websocket"

	defaultEventBuffer = 100
)

// Server 对外提供rpc以及事件推送
type Server struct {
	service.BaseService

	env        *Environment
	listenAddr string
	config     *rpcserver.Config
	upgrader   websocket.Upgrader

	listener net.Listener

	mtx      sync.Mutex
	sessions map[*eventSession]struct{}
	seq      int
	wg       sync.WaitGroup
}

type ServerOption func(*Server)

func SetServerConfig(config *rpcserver.Config) ServerOption {
	return func(s *Server) {
		s.config = config
	}
}

// NewServer listenAddr形如tcp://127.0.0.1:26657
func NewServer(listenAddr string, env *Environment, options ...ServerOption) *Server {
	s := &Server{
		env:        env,
		listenAddr: listenAddr,
		config:     rpcserver.DefaultConfig(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*eventSession]struct{}),
	}
	s.BaseService = *service.NewBaseService(nil, "Monitor", s)
	for _, option := range options {
		option(s)
	}
	return s
}

// Addr 返回实际监听的地址，端口为0时由系统分配
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) OnStart() error {
	mux := http.NewServeMux()
	rpcLogger := s.Logger.With("module", "rpc-server")
	routes := s.env.Routes()
	rpcserver.RegisterRPCFuncs(mux, routes, rpcLogger)
	wm := rpcserver.NewWebsocketManager(routes, rpcserver.ReadLimit(s.config.MaxBodyBytes))
	wm.SetLogger(rpcLogger.With("protocol", "websocket"))
	mux.HandleFunc(RPCWebsocketEndpoint, wm.WebsocketHandler)
	mux.HandleFunc(EventsEndpoint, s.serveEvents)

	listener, err := rpcserver.Listen(s.listenAddr, s.config)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := rpcserver.Serve(listener, mux, rpcLogger, s.config); err != nil {
			s.Logger.Debug("RPC server stopped", "err", err)
		}
	}()
	s.Logger.Info("Monitor started", "addr", listener.Addr())
	return nil
}

func (s *Server) OnStop() {
	if err := s.listener.Close(); err != nil {
		s.Logger.Error("Error closing listener", "err", err)
	}

	// hijack之后的连接不受listener管理
	s.mtx.Lock()
	for session := range s.sessions {
		session.close()
	}
	s.mtx.Unlock()
	s.wg.Wait()
}

// serveEvents 把EventSwitch上的所有事件推送给websocket客户端
// 先订阅再upgrade，握手完成之后的事件都不会丢失
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	if !s.IsRunning() {
		s.mtx.Unlock()
		http.Error(w, "monitor is stopping", http.StatusServiceUnavailable)
		return
	}
	s.seq++
	session := newEventSession(s.seq, s.Logger.With("remote", r.RemoteAddr))
	s.sessions[session] = struct{}{}
	s.wg.Add(1)
	s.mtx.Unlock()

	defer func() {
		s.mtx.Lock()
		delete(s.sessions, session)
		s.mtx.Unlock()
		s.wg.Done()
	}()

	evsw := s.env.Engine.EventSwitch()
	if err := session.subscribe(evsw); err != nil {
		s.Logger.Error("Failed to subscribe events", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer evsw.RemoveListener(session.listenerID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error("Failed to upgrade connection", "err", err)
		return
	}
	session.run(conn)
}
