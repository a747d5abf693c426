package room

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionStatus string

const (
	StatusClosed         ConnectionStatus = "closed"
	StatusAuthenticating ConnectionStatus = "authenticating"
	StatusConnecting     ConnectionStatus = "connecting"
	StatusOpen           ConnectionStatus = "open"
	StatusUnavailable    ConnectionStatus = "unavailable"
	StatusFailed         ConnectionStatus = "failed"
)

// Server close codes. Codes in [appCloseCodeMin, appCloseCodeMax] are
// application rejections that surface as errors before retrying on the slow
// schedule. closeWithoutRetry is a hard stop.
const (
	appCloseCodeMin   = 4000
	appCloseCodeMax   = 4100
	closeWithoutRetry = 4999
)

var retrySchedule = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	4000 * time.Millisecond,
	8000 * time.Millisecond,
	10000 * time.Millisecond,
}

var slowRetrySchedule = []time.Duration{
	2 * time.Second,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// retryDelay indexes the schedule by retry count, saturating at the last
// entry.
func retryDelay(retryCount int, slow bool) time.Duration {
	schedule := retrySchedule
	if slow {
		schedule = slowRetrySchedule
	}
	if len(schedule) <= retryCount {
		return schedule[len(schedule)-1]
	}
	return schedule[retryCount]
}

// roomConn is the transport seam. *websocket.Conn satisfies it; tests supply
// an in-memory fake.
type roomConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one transport connection for an authenticated session.
type DialFunc func(ctx context.Context, wsUrl string) (roomConn, error)

func dialWebsocket(ctx context.Context, wsUrl string) (roomConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsUrl, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

const channelSendBufferSize = 32

// roomChannel owns one transport connection. Outbound frames queue on the
// send channel and drain through a single writer goroutine; the reader
// goroutine pumps inbound frames back into the room.
type roomChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn roomConn
	send chan []byte
}

func newRoomChannel(ctx context.Context, conn roomConn) *roomChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &roomChannel{
		ctx:    cancelCtx,
		cancel: cancel,
		conn:   conn,
		send:   make(chan []byte, channelSendBufferSize),
	}
	go channel.writeLoop()
	return channel
}

func (self *roomChannel) writeLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case frame, ok := <-self.send:
			if !ok {
				return
			}
			if err := self.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				glog.Infof("[ch]-> error = %s\n", err)
				self.cancel()
				return
			}
			glog.V(2).Infof("[ch]-> %s\n", frame)
		}
	}
}

// sendFrame queues one text frame. Drops when the channel is tearing down or
// the writer is wedged; the unacked ledger covers storage-op loss.
func (self *roomChannel) sendFrame(frame []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- frame:
		return true
	default:
		glog.Infof("[ch]drop ->\n")
		return false
	}
}

func (self *roomChannel) close() {
	self.cancel()
	self.conn.Close()
}

// Connection state machine. All transitions run under the room lock; the
// generation counter invalidates callbacks from a torn-down connection.

// Connect starts the session from closed, or retries at once from
// unavailable. Calls in any other status are no-ops.
func (self *Room) Connect() {
	self.withLock(func() error {
		if self.status != StatusClosed && self.status != StatusUnavailable {
			return nil
		}
		self.startConnect()
		return nil
	})
}

// Reconnect tears down the current channel and timers and re-enters the
// machine. It is idempotent.
func (self *Room) Reconnect() {
	self.withLock(func() error {
		self.teardownChannel()
		self.startConnect()
		return nil
	})
}

// Disconnect is a hard stop: every timer cleared, others cleared, and all
// event subscribers removed.
func (self *Room) Disconnect() {
	self.withLock(func() error {
		self.teardownChannel()
		self.setStatus(StatusClosed)
		self.queueOthersEvent(self.others.clear())
		return nil
	})
	self.events.clearAll()
}

// startConnect enters authenticating, reusing a cached unexpired token to
// skip the auth endpoint.
func (self *Room) startConnect() {
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
	self.setStatus(StatusAuthenticating)
	generation := self.generation

	if self.token != nil && !self.token.expired(time.Now()) {
		self.openChannel(generation, self.rawToken, self.token)
		return
	}

	go func() {
		rawToken, err := self.settings.Authenticate(self.ctx, self.roomId)
		self.withLock(func() error {
			if generation != self.generation {
				return nil
			}
			if err != nil {
				glog.Infof("[conn]auth error %s = %s\n", self.roomId, err)
				self.queueError(&AuthenticationError{
					Message: "authentication failed",
					Cause:   err,
				})
				self.scheduleReconnect(false)
				return nil
			}
			token, err := parseToken(rawToken, time.Now())
			if err != nil {
				self.queueError(&AuthenticationError{
					Message: "invalid token",
					Cause:   err,
				})
				self.scheduleReconnect(false)
				return nil
			}
			self.token = token
			self.rawToken = rawToken
			self.openChannel(generation, rawToken, token)
			return nil
		})
	}()
}

// openChannel dials the transport with the session token. Runs under the
// lock; the dial itself happens on a goroutine.
func (self *Room) openChannel(generation int, rawToken string, token *Token) {
	self.setStatus(StatusConnecting)
	wsUrl := self.buildWsUrl(rawToken)

	go func() {
		conn, err := self.settings.Dial(self.ctx, wsUrl)
		self.withLock(func() error {
			if generation != self.generation {
				if err == nil {
					conn.Close()
				}
				return nil
			}
			if err != nil {
				glog.Infof("[conn]dial error %s = %s\n", self.roomId, err)
				self.scheduleReconnect(false)
				return nil
			}
			self.onChannelOpen(token, conn)
			return nil
		})
	}()
}

func (self *Room) buildWsUrl(rawToken string) string {
	values := url.Values{}
	values.Set("token", rawToken)
	values.Set("version", Version)
	return fmt.Sprintf("%s/?%s", self.settings.EndpointUrl, values.Encode())
}

// onChannelOpen enters open: retry counter resets, the reader and heartbeat
// start, and the room resyncs presence and storage.
func (self *Room) onChannelOpen(token *Token, conn roomConn) {
	self.channel = newRoomChannel(self.ctx, conn)
	self.retryCount = 0
	self.applySession(token)
	self.setStatus(StatusOpen)

	generation := self.generation
	go self.readLoop(generation, self.channel)
	self.armHeartbeat(generation)

	self.buffer.queueFullPresence()
	connectionId := token.Actor
	self.lastConnectionId = &connectionId

	if self.pool.root != nil || self.storageRequested {
		self.sendFetchStorage()
	}
	self.tryFlush()
}

// applySession installs the identity carried by the token.
func (self *Room) applySession(token *Token) {
	self.ids.setActor(token.Actor)
	self.session = &Session{
		ConnectionId: token.Actor,
		Id:           token.Id,
		Info:         token.Info,
		Scopes:       token.Scopes,
		IsReadOnly:   isReadOnlyScopes(token.Scopes),
	}
}

func (self *Room) readLoop(generation int, channel *roomChannel) {
	for {
		messageType, data, err := channel.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNoStatusReceived
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
			}
			self.withLock(func() error {
				if generation != self.generation {
					return nil
				}
				self.onChannelClosed(code, err)
				return nil
			})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if string(data) == pongFrame {
			self.withLock(func() error {
				if generation != self.generation {
					return nil
				}
				self.cancelPongTimer()
				return nil
			})
			continue
		}
		self.handleFrame(generation, data)
	}
}

// onChannelClosed routes a transport close into the state machine.
func (self *Room) onChannelClosed(code int, err error) {
	glog.Infof("[conn]closed %s code=%d err=%v\n", self.roomId, code, err)
	self.teardownChannel()

	switch {
	case code == closeWithoutRetry:
		self.setStatus(StatusClosed)
		self.queueOthersEvent(self.others.clear())
	case appCloseCodeMin <= code && code <= appCloseCodeMax:
		self.setStatus(StatusFailed)
		self.queueError(&RoomError{
			Code:   code,
			Reason: err.Error(),
		})
		self.scheduleReconnect(true)
	default:
		self.scheduleReconnect(false)
	}
}

// scheduleReconnect enters unavailable and arms the retry timer.
func (self *Room) scheduleReconnect(slow bool) {
	self.setStatus(StatusUnavailable)
	self.queueOthersEvent(self.others.clear())

	delay := retryDelay(self.retryCount, slow)
	self.retryCount += 1
	generation := self.generation

	glog.V(1).Infof("[conn]retry %s in %s\n", self.roomId, delay)
	self.retryTimer = time.AfterFunc(delay, func() {
		self.withLock(func() error {
			if generation != self.generation {
				return nil
			}
			self.retryTimer = nil
			self.startConnect()
			return nil
		})
	})
}

// teardownChannel stops the channel, timers and pending callbacks. The
// generation bump makes in-flight callbacks for the old connection inert.
func (self *Room) teardownChannel() {
	self.generation += 1
	if self.channel != nil {
		self.channel.close()
		self.channel = nil
	}
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
	self.cancelPongTimer()
	if self.heartbeatTimer != nil {
		self.heartbeatTimer.Stop()
		self.heartbeatTimer = nil
	}
	self.throttle.stop()
}

// Heartbeat: a ping frame every interval, with a short pong deadline. A
// missed pong tears the connection down and retries.
func (self *Room) armHeartbeat(generation int) {
	self.heartbeatTimer = time.AfterFunc(self.settings.HeartbeatInterval, func() {
		self.withLock(func() error {
			if generation != self.generation {
				return nil
			}
			self.sendHeartbeat(generation)
			return nil
		})
	})
}

func (self *Room) sendHeartbeat(generation int) {
	if self.channel == nil {
		return
	}
	glog.V(2).Infof("[conn]ping %s\n", self.roomId)
	self.channel.sendFrame([]byte(pingFrame))
	self.pongTimer = time.AfterFunc(self.settings.PongTimeout, func() {
		self.withLock(func() error {
			if generation != self.generation {
				return nil
			}
			glog.Infof("[conn]pong timeout %s\n", self.roomId)
			self.teardownChannel()
			self.scheduleReconnect(false)
			return nil
		})
	})
	self.armHeartbeat(generation)
}

func (self *Room) cancelPongTimer() {
	if self.pongTimer != nil {
		self.pongTimer.Stop()
		self.pongTimer = nil
	}
}

// Lost-connection grace: the timer arms on the first transition into
// unavailable and survives the authenticating/connecting hops of the retry
// loop, so one outage reports at most once. Reopening cancels it.
func (self *Room) armLostTimer() {
	if self.lostTimer != nil {
		return
	}
	if self.settings.LostConnectionTimeout <= 0 {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(self.settings.LostConnectionTimeout, func() {
		self.withLock(func() error {
			if self.lostTimer != timer {
				return nil
			}
			self.lostTimer = nil
			glog.Infof("[conn]lost %s\n", self.roomId)
			self.queueError(&ConnectionLostError{
				RoomId: self.roomId,
			})
			return nil
		})
	})
	self.lostTimer = timer
}

func (self *Room) cancelLostTimer() {
	if self.lostTimer != nil {
		self.lostTimer.Stop()
		self.lostTimer = nil
	}
}

// setStatus records and emits a status change. Unchanged status emits
// nothing.
func (self *Room) setStatus(status ConnectionStatus) {
	if self.status == status {
		return
	}
	glog.V(1).Infof("[conn]%s(%s) %s -> %s\n", self.roomId, self.instanceId, self.status, status)
	self.status = status
	switch status {
	case StatusUnavailable:
		self.armLostTimer()
	case StatusOpen, StatusClosed, StatusFailed:
		self.cancelLostTimer()
	}
	callbacks := self.events.connectionCallbacks.get()
	self.queueEmit(func() {
		for _, callback := range callbacks {
			callback(status)
		}
	})
}
