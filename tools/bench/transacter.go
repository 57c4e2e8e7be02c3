package main

import (
	"fmt"
	"forkchain/monitor"
	"forkchain/types"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	// it is ok to use math/rand here: we do not need a cryptographically secure random
	// number generator here and we can run the tests a bit faster
	"math/rand"
)

const (
	sendTimeout = 10 * time.Second
	// see https://github.com/tendermint/tendermint/blob/master/rpc/lib/server/handlers.go
	pingPeriod = (30 * 9 / 10) * time.Second

	broadcastTxMethod = "broadcast_tx"
)

// transacter 通过多个websocket连接按固定速率发送small bank交易
type transacter struct {
	Target      string
	Rate        int
	Connections int
	Accounts    int

	conns       []*websocket.Conn
	connsBroken []int32
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     int32

	sent     int64
	rejected int64

	logger log.Logger
}

func newTransacter(target string, connections, rate int, accounts int) *transacter {
	return &transacter{
		Target:      target,
		Rate:        rate,
		Accounts:    accounts,
		Connections: connections,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]int32, connections),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start opens N = `t.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (t *transacter) Start() error {
	atomic.StoreInt32(&t.stopped, 0)

	rand.Seed(time.Now().Unix())

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	atomic.StoreInt32(&t.stopped, 1)
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

func (t *transacter) isStopped() bool {
	return atomic.LoadInt32(&t.stopped) == 1
}

func (t *transacter) isBroken(connIndex int) bool {
	return atomic.LoadInt32(&t.connsBroken[connIndex]) == 1
}

func (t *transacter) markBroken(connIndex int) {
	atomic.StoreInt32(&t.connsBroken[connIndex], 1)
}

// receiveLoop 读取broadcast_tx的结果，mempool拒绝的交易计入rejected
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		var resp jsonrpc.RPCResponse
		if err := c.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !t.isStopped() {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err",
					err,
				)
			}
			return
		}
		if resp.Error != nil {
			atomic.AddInt64(&t.rejected, 1)
			t.logger.Debug("tx rejected", "conn", connIndex, "err", resp.Error.Data)
		}
		if t.isStopped() || t.isBroken(connIndex) {
			return
		}
	}
}

// sendLoop generates transactions at a given rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			startTime := time.Now()
			endTime := startTime.Add(time.Second)
			numTxSent := t.Rate
			if !started {
				t.startingWg.Done()
				started = true
			}

			now := time.Now()
			for i := 0; i < t.Rate; i++ {
				req, err := makeRequest(connIndex, generateTx(t.Accounts))
				if err != nil {
					logger.Error("failed to encode params", "err", err)
					t.markBroken(connIndex)
					return
				}

				if err := c.SetWriteDeadline(now.Add(sendTimeout)); err != nil {
					logger.Error("failed to set write deadline", "err", err)
				}
				if err := c.WriteJSON(req); err != nil {
					err = errors.Wrapf(err, "txs send failed on connection #%d", connIndex)
					t.markBroken(connIndex)
					logger.Error(err.Error())
					return
				}
				atomic.AddInt64(&t.sent, 1)

				// cache the time.Now() reads to save time.
				if i%5 == 0 {
					now = time.Now()
					if now.After(endTime) {
						// Plus one accounts for sending this tx
						numTxSent = i + 1
						break
					}
				}
			}

			timeToSend := time.Since(startTime)
			logger.Info(fmt.Sprintf("sent %d transactions", numTxSent), "took", timeToSend)
			if timeToSend < 1*time.Second {
				sleepTime := time.Second - timeToSend
				logger.Debug(fmt.Sprintf("connection #%d is sleeping for %f seconds", connIndex, sleepTime.Seconds()))
				time.Sleep(sleepTime)
			}

		case <-pingsTicker.C:
			// go-rpc server closes the connection in the absence of pings
			if err := c.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
				logger.Error("failed to set write deadline", "err", err)
			}
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrapf(err, "failed to write ping message on conn #%d", connIndex)
				logger.Error(err.Error())
				t.markBroken(connIndex)
			}
		}

		if t.isStopped() {
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			if err := c.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
				logger.Error("failed to set write deadline", "err", err)
			}
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				err = errors.Wrapf(err, "failed to write close message on conn #%d", connIndex)
				logger.Error(err.Error())
				t.markBroken(connIndex)
			}

			return
		}
	}
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: monitor.RPCWebsocketEndpoint}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// broadcastTxParams broadcast_tx的参数
// tmjson不能编码interface{}中未注册的类型，所以不能用map
type broadcastTxParams struct {
	Tx types.Tx `json:"tx"`
}

// makeRequest 参数使用tmjson编码，与rpc server的解码方式一致
func makeRequest(connIndex int, tx types.Tx) (jsonrpc.RPCRequest, error) {
	paramsJSON, err := tmjson.Marshal(broadcastTxParams{Tx: tx})
	if err != nil {
		return jsonrpc.RPCRequest{}, err
	}
	return jsonrpc.RPCRequest{
		JSONRPC: "2.0",
		ID:      jsonrpc.JSONRPCStringID(fmt.Sprintf("bench-%d", connIndex)),
		Method:  broadcastTxMethod,
		Params:  paramsJSON,
	}, nil
}

func randomAccount(accounts int) string {
	return fmt.Sprintf("username%v", rand.Intn(accounts)+1)
}

// generateTx 账户名与gen-genesis生成的账户一致
func generateTx(accounts int) types.Tx {
	nonce := rand.Int63()
	value := strconv.Itoa(rand.Intn(200) + 1)

	switch rand.Intn(4) {
	case 0:
		return types.NewTx(types.TxTransactSaving, nonce, randomAccount(accounts), value)
	case 1:
		return types.NewTx(types.TxWriteCheck, nonce, randomAccount(accounts), value)
	case 2:
		from := randomAccount(accounts)
		to := from
		for accounts > 1 && to == from {
			to = randomAccount(accounts)
		}
		return types.NewTx(types.TxAmalgamate, nonce, from, to)
	default:
		return types.NewTx(types.TxDepositChecking, nonce, randomAccount(accounts), value)
	}
}
