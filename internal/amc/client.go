package amc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vermut/amc2mqtt/internal/log"
)

// DefaultURL is the AMC cloud relay endpoint.
const DefaultURL = "wss://service.amc-cloud.com/ws/client"

const (
	defaultCommandTimeout = 30 * time.Second
	centralOKWait         = 5 * time.Second
	deviceOfflineGrace    = 5 * time.Second
	reloginWindow         = 15 * time.Second
	handshakeTimeout      = 10 * time.Second
	pingInterval          = 5 * time.Second
	pongWait              = 3 * pingInterval
	pollInterval          = 100 * time.Millisecond
	trafficPause          = time.Second
	sendRetryDelay        = 500 * time.Millisecond
	callbackSettle        = 200 * time.Millisecond
	maxFrameSize          = 1 << 20
)

// ConnState is the lifecycle state of the relay connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Starting
	Connected
	Authenticated
	CentralOK
	CentralKO
	Stopped
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Starting:
		return "Starting"
	case Connected:
		return "Connected"
	case Authenticated:
		return "Authenticated"
	case CentralOK:
		return "CentralOk"
	case CentralKO:
		return "CentralKo"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Options configures a Client for one account and one central.
type Options struct {
	URL             string
	Email           string
	Password        string
	CentralID       string
	CentralUsername string
	CentralPassword string

	// CommandTimeout bounds awaiting a command result. Zero means the
	// default of thirty seconds.
	CommandTimeout time.Duration

	// Detector overrides the arming-in-progress heuristic. Nil means the
	// built-in phrase matcher.
	Detector ArmingDetector
}

// Client maintains one websocket session to the AMC cloud relay and a
// continuously patched model of one central's state. All mutable state is
// owned by the receive loop; callers read snapshots and enqueue commands.
type Client struct {
	log     *log.Logger
	opts    Options
	pending *pendingTable
	dedup   logDeduper

	mu          sync.Mutex
	state       ConnState
	stateDetail string
	stopErr     error

	token          string
	lastLogin      time.Time
	failedAttempts int
	queueLogin     bool
	queueGetStates bool

	// tree is mutated by the receive loop only; treeJSON is the serialized
	// snapshot exposed to other goroutines
	tree         map[string]any
	treeJSON     []byte
	states       map[string]*CentralState
	centralValid bool
	pinRequired  bool
	protoVer     int

	deviceAvailable   bool
	onlineGraceUntil  time.Time
	trafficPauseUntil time.Time

	callback           func()
	callbackSuppressed bool

	conn    *websocket.Conn
	writeMu sync.Mutex

	running   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient creates a client. It does not connect; call Connect or
// EnsureLogged to start the connection loop.
func NewClient(opts Options, logger *log.Logger) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Detector == nil {
		opts.Detector = phraseArmingDetector{}
	}
	return &Client{
		log:     logger,
		opts:    opts,
		pending: newPendingTable(),
		state:   Disconnected,
	}
}

// OnDataChanged registers the callback invoked after every meaningful state
// transition or data update. It is called synchronously from the receive
// loop and must not block on the client's own operations.
func (c *Client) OnDataChanged(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
}

// Connect logs in and, if the central's state has never been fetched,
// performs the initial state fetch. Used by setup flows to validate
// credentials in one call.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.EnsureLogged(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	valid := c.centralValid
	c.mu.Unlock()
	if !valid {
		if _, err := c.GetStatesAndReturn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EnsureLogged starts the connection loop if needed and waits for the login
// command to succeed.
func (c *Client) EnsureLogged(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Stopped {
		err := c.stopErr
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrStopped
	}
	running := c.running
	state := c.state
	c.mu.Unlock()

	if !running {
		c.start()
	} else if state == Connected {
		c.sendLogin(0)
	}
	_, err := c.awaitResult(ctx, CommandLoginUser, 0)
	return err
}

func (c *Client) start() {
	c.mu.Lock()
	if c.running || c.state == Stopped {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.runCancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.run(ctx)
	go c.checks(ctx)
}

// Disconnect stops the connection loop and releases the transport. The
// client ends up Stopped; every in-flight command is failed with a
// connection-closed error before this returns.
func (c *Client) Disconnect() {
	c.log.Debug("Disconnecting")
	c.pending.failAllStarted(connectionError(errors.New("connection closed")))
	c.changeState(Stopped, "disconnected")

	c.mu.Lock()
	cancel := c.runCancel
	c.runCancel = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// run is the reconnection loop: one connection attempt per iteration until
// the client is stopped.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil && c.currentState() != Stopped {
		c.runOnce(ctx)
	}
}

func (c *Client) runOnce(ctx context.Context) {
	c.changeState(Starting, "")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.connectionLost(ctx, connectionError(err))
		return
	}
	c.log.Debug("Connected to websocket %s", c.opts.URL)

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	// a prior session token is never reused across transport instances
	c.token = ""
	c.queueLogin = true
	c.queueGetStates = true
	c.mu.Unlock()

	c.pauseChecks()
	c.changeState(Connected, "")

	pingCtx, stopPing := context.WithCancel(ctx)
	go c.pinger(pingCtx, conn)

	c.sendQueued()

	for {
		if ctx.Err() != nil || c.currentState() == Stopped {
			break
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.currentState() == Stopped {
				break
			}
			c.connectionLost(ctx, connectionError(err))
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.pauseChecks()
		c.processMessage(data)

		if state := c.currentState(); state == Stopped || state == Disconnected {
			break
		}
		c.sendQueued()
	}

	stopPing()
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if state := c.currentState(); state != Stopped && state != Disconnected {
		c.changeState(Disconnected, "")
	}
}

// connectionLost records a transport failure: in-flight commands fail with
// the causal error, the state machine drops to Disconnected and the loop
// sleeps the backoff delay before the next attempt.
func (c *Client) connectionLost(ctx context.Context, err error) {
	c.pending.failAllStarted(err)
	c.mu.Lock()
	c.failedAttempts++
	attempts := c.failedAttempts
	c.mu.Unlock()

	delay := retryDelay(attempts)
	if c.dedup.shouldLog(err.Error()) {
		c.log.Error("Websocket connection failed, retrying in %s: %v", delay, err)
	}
	c.changeState(Disconnected, err.Error())

	if delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

func (c *Client) pinger(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingInterval))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// checks is the housekeeping task: when the post-traffic pause has expired
// and an availability grace window is pending, re-evaluate availability and
// notify. It never touches the socket.
func (c *Client) checks(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		pause := c.trafficPauseUntil
		grace := c.onlineGraceUntil
		c.mu.Unlock()
		if !pause.IsZero() && time.Now().After(pause) && !grace.IsZero() {
			c.updateAvailability(true)
		}
	}
}

func (c *Client) pauseChecks() {
	c.mu.Lock()
	c.trafficPauseUntil = time.Now().Add(trafficPause)
	c.mu.Unlock()
}

// changeState applies one state-machine transition. A transition to the
// same (state, detail) pair is a no-op; otherwise the data-changed callback
// fires exactly once, synchronously.
func (c *Client) changeState(state ConnState, detail string) {
	c.mu.Lock()
	if detail == "" && c.state == state {
		detail = c.stateDetail
	}
	if c.state == state && c.stateDetail == detail {
		c.mu.Unlock()
		return
	}
	switch {
	case state == CentralOK || state == Stopped:
		c.onlineGraceUntil = time.Time{}
	case c.state == CentralOK:
		// leaving CentralOk: keep reporting available for a short grace
		// window so transient reconnect churn does not flap availability
		c.onlineGraceUntil = time.Now().Add(deviceOfflineGrace)
	}
	c.state = state
	c.stateDetail = detail
	var conn *websocket.Conn
	if state == Stopped {
		conn = c.conn
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.updateAvailability(false)
	c.notifyCallback()
}

func (c *Client) updateAvailability(fire bool) {
	c.mu.Lock()
	available := c.state == CentralOK
	if !c.onlineGraceUntil.IsZero() {
		now := time.Now()
		if !available && now.Before(c.onlineGraceUntil) {
			available = true
		} else if now.After(c.onlineGraceUntil) {
			c.onlineGraceUntil = time.Time{}
		}
	}
	changed := available != c.deviceAvailable
	c.deviceAvailable = available
	c.mu.Unlock()

	if changed && fire {
		c.notifyCallback()
	}
}

func (c *Client) notifyCallback() {
	c.mu.Lock()
	cb := c.callback
	suppressed := c.callbackSuppressed
	c.mu.Unlock()
	if cb != nil && !suppressed {
		cb()
	}
}

func (c *Client) setCallbackSuppressed(v bool) {
	c.mu.Lock()
	c.callbackSuppressed = v
	c.mu.Unlock()
}

// stop latches a fatal error and forces the terminal state. Any caller
// awaiting anything afterwards receives the same fatal cause.
func (c *Client) stop(err error, detail string) {
	c.mu.Lock()
	c.stopErr = err
	cancel := c.runCancel
	c.mu.Unlock()
	c.changeState(Stopped, detail)
	if cancel != nil {
		cancel()
	}
}

// sendQueued flushes the deferred login/getStates requests when the
// connection state allows them. Login always goes first.
func (c *Client) sendQueued() {
	c.mu.Lock()
	state := c.state
	token := c.token
	queueLogin := c.queueLogin
	queueGetStates := c.queueGetStates
	c.mu.Unlock()

	if queueLogin || token == "" || state == Connected {
		if state == Connected || state == Authenticated || state == CentralOK || state == CentralKO {
			c.sendLogin(0)
			c.mu.Lock()
			c.queueLogin = false
			c.mu.Unlock()
		}
		return
	}
	if queueGetStates && (state == Authenticated || state == CentralOK || state == CentralKO) {
		c.sendGetStates(0)
		c.mu.Lock()
		c.queueGetStates = false
		c.mu.Unlock()
	}
}

func (c *Client) sendLogin(retries int) {
	c.mu.Lock()
	c.token = ""
	c.lastLogin = time.Now()
	c.mu.Unlock()
	c.changeState(Connected, "")
	c.log.Info("Logging in with email: %s", c.opts.Email)
	_ = c.send(Command{
		Command: CommandLoginUser,
		Data:    &Login{Email: c.opts.Email, Password: c.opts.Password},
	}, CommandLoginUser, retries)
}

func (c *Client) sendGetStates(retries int) error {
	return c.send(Command{
		Command: CommandGetStates,
		Centrals: []CentralRef{{
			CentralID:       c.opts.CentralID,
			CentralUsername: c.opts.CentralUsername,
			CentralPassword: c.opts.CentralPassword,
		}},
	}, CommandGetStates, retries)
}

// send writes one command. On a transport write failure at most
// retriesLeft extra attempts are made, each after re-establishing login and
// a short delay. The receive loop always sends with retriesLeft zero so it
// never waits on itself.
func (c *Client) send(cmd Command, key string, retriesLeft int) error {
	c.pending.markStarted(key, &cmd)

	c.mu.Lock()
	token := c.token
	conn := c.conn
	c.mu.Unlock()

	payload, err := encodeCommand(cmd, token)
	if err != nil {
		c.pending.setKO(key, err)
		return err
	}
	c.log.Debug("Websocket sending data: %s", payload)

	if conn == nil {
		err = errors.New("no active connection")
	} else {
		c.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, payload)
		c.writeMu.Unlock()
	}
	if err == nil {
		return nil
	}

	if retriesLeft > 0 {
		c.log.Info("Websocket send failed, retrying once: %v", err)
		time.Sleep(sendRetryDelay)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommandTimeout)
		defer cancel()
		if lerr := c.EnsureLogged(ctx); lerr == nil {
			return c.send(cmd, key, retriesLeft-1)
		}
	}
	werr := connectionError(err)
	c.pending.setKO(key, werr)
	return werr
}

// processMessage handles one incoming frame. Malformed payloads are logged
// and dropped; they never affect the connection or pending commands.
func (c *Client) processMessage(data []byte) {
	resp, raw, err := decodeFrame(data)
	if err != nil {
		c.log.Warn("Can't process data from server: %v, data=%s", err, data)
		return
	}
	c.log.Trace("Websocket received data: %s", raw)
	c.pending.recordResponse(resp.Command, raw)

	switch resp.Command {
	case CommandCheckCentrals:
		c.log.Debug("Received message %s", resp.Command)
		c.mu.Lock()
		c.queueGetStates = true
		c.mu.Unlock()
		c.pending.setOK(resp.Command, resp.Command)
	case "updateVideoList", "visitedOK":
		c.log.Debug("Received message %s", resp.Command)
		c.pending.setOK(resp.Command, resp.Command)
	case CommandLoginUser:
		c.handleLogin(resp, raw)
	case CommandGetStates:
		c.handleGetStates(resp, raw)
	case CommandApplyPatch:
		c.handleApplyPatch(resp)
	default:
		c.log.Warn("Unhandled command received from server: %s, data=%s", resp.Command, raw)
	}
}

func (c *Client) handleLogin(resp Response, raw []byte) {
	if resp.Status == StatusLoggedIn && resp.User != nil {
		c.log.Debug("Authorized")
		c.mu.Lock()
		c.token = resp.User.Token
		c.failedAttempts = 0
		c.queueGetStates = true
		c.mu.Unlock()
		c.dedup.reset()
		c.changeState(Authenticated, "")
		c.pending.setOK(CommandLoginUser, resp.User.Token)
		return
	}

	detail := resp.Status
	if detail == "" {
		detail = string(raw)
	}
	c.log.Warn("Authorization failure: %s, data=%s", resp.Status, raw)
	err := authenticationError(detail)
	c.stop(err, "Authorization failure: "+resp.Status)
	c.pending.setKO(CommandLoginUser, err)
}

func (c *Client) handleGetStates(resp Response, raw []byte) {
	if resp.Status == StatusError && resp.Message == MessagePleaseLogin {
		c.mu.Lock()
		lastLogin := c.lastLogin
		c.mu.Unlock()
		if time.Since(lastLogin) > reloginWindow {
			c.log.Debug("Logging in after received request to relogin: %s", raw)
			c.mu.Lock()
			c.queueLogin = true
			c.queueGetStates = true
			c.mu.Unlock()
			c.changeState(Connected, "Received request to relogin")
		} else {
			// relogin requests arriving faster than the window indicate a
			// misbehaving server session; tear down and fully reconnect
			c.changeState(Disconnected, "Received many requests to relogin")
			c.closeConn()
		}
		return
	}

	central, ok := resp.Centrals[c.opts.CentralID]
	if !ok {
		c.log.Warn("GetStates failure, central not found: %s, data=%s", resp.Status, raw)
		err := centralNotFoundError("user login is fine but can't find AMC central")
		c.stop(err, "Central not found")
		c.pending.setKO(CommandGetStates, err)
		return
	}

	status := resp.Status
	if status == StatusOK && central.StatusID <= 0 {
		// a reachable relay can still report an unavailable central inside
		// an ok envelope
		status = StatusKO
	}

	switch status {
	case StatusOK:
		c.applySnapshot(resp, central, raw)
	case StatusKO:
		c.handleCentralKO(central, raw)
	default:
		c.log.Warn("Error getting states: %s, data=%s", resp.Status, raw)
		c.pending.setKO(CommandGetStates, fmt.Errorf("unexpected getStates status %q", resp.Status))
		c.changeState(Disconnected, "Central states status "+resp.Status)
		c.closeConn()
	}
}

func (c *Client) applySnapshot(resp Response, central CentralResponse, raw []byte) {
	states, err := buildStates(resp.Centrals)
	if err != nil {
		c.log.Warn("Can't process states from server: %v, data=%s", err, raw)
		return
	}
	// patch paths are rooted at the envelope ("/centrals/<id>/..."), so the
	// whole normalized frame is the tree
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		c.log.Warn("Can't process states from server: %v, data=%s", err, raw)
		return
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		c.log.Warn("Can't process states from server: %v, data=%s", err, raw)
		return
	}
	c.computeDerived(states)

	c.mu.Lock()
	if !c.centralValid {
		c.protoVer = central.ProtoVer
		if c.protoVer == 0 {
			c.protoVer = 1
		}
		cs := states[c.opts.CentralID]
		c.pinRequired = (cs != nil && len(cs.Users) > 0) || c.protoVer >= 2
	}
	c.tree = tree
	c.treeJSON = treeJSON
	c.states = states
	c.centralValid = true
	c.failedAttempts = 0
	c.mu.Unlock()

	c.dedup.reset()
	c.confirmSetStates()
	// transition before resolving the command, so a caller returning from
	// the await already observes CentralOk
	c.changeState(CentralOK, "")
	c.pending.setOK(CommandGetStates, states)
	c.dataChanged()
}

func (c *Client) handleCentralKO(central CentralResponse, raw []byte) {
	statusNew := central.Status

	c.mu.Lock()
	var statusOld string
	if cs, ok := c.states[c.opts.CentralID]; ok {
		statusOld = cs.Status
	}
	if statusNew != statusOld {
		if cs, ok := c.states[c.opts.CentralID]; ok {
			// readers hold the old snapshot, so publish a copy with the
			// new status instead of writing into the shared object
			updated := *cs
			updated.Status = statusNew
			updated.StatusID = central.StatusID
			states := make(map[string]*CentralState, len(c.states))
			for id, s := range c.states {
				states[id] = s
			}
			states[c.opts.CentralID] = &updated
			c.states = states
		} else if states, err := buildStates(map[string]CentralResponse{c.opts.CentralID: central}); err == nil {
			c.states = states
		}
	}
	c.mu.Unlock()

	if statusNew != statusOld {
		c.log.Debug("Error getting states (%s): %s", statusNew, raw)
	}

	if strings.HasPrefix(statusNew, "wrong login") {
		c.log.Warn("Central authorization failure: %s", statusNew)
		err := authenticationError("central authorization failure: " + statusNew)
		c.stop(err, "Central authorization failure: "+statusNew)
		c.pending.setKO(CommandGetStates, err)
		return
	}

	var err error
	if statusNew != "" {
		err = centralStatusError("central " + statusNew)
	} else {
		err = centralStatusError(string(raw))
	}
	c.changeState(CentralKO, "Central "+statusNew)
	c.pending.setKO(CommandGetStates, err)
}

func (c *Client) handleApplyPatch(resp Response) {
	if c.currentState() != CentralOK {
		c.mu.Lock()
		c.queueGetStates = true
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	tree := c.tree
	c.mu.Unlock()
	if tree == nil {
		c.mu.Lock()
		c.queueGetStates = true
		c.mu.Unlock()
		return
	}

	for _, op := range resp.Patch {
		if err := applyPatch(tree, op); err != nil {
			// one bad patch falls back to a full resync, the rest of the
			// batch still applies
			c.log.Warn("Can't process patch from server: %v, patch=%+v", err, op)
			c.mu.Lock()
			c.queueGetStates = true
			c.mu.Unlock()
		}
	}

	payload, err := json.Marshal(tree)
	if err != nil {
		c.requestResync("Can't reserialize state tree: %v", err)
		return
	}
	rebuilt, _, err := decodeFrame(payload)
	if err != nil {
		c.requestResync("Can't revalidate state tree: %v", err)
		return
	}
	states, err := buildStates(rebuilt.Centrals)
	if err != nil {
		c.requestResync("Can't rebuild states after patch: %v", err)
		return
	}
	c.computeDerived(states)

	c.mu.Lock()
	c.treeJSON = payload
	c.states = states
	c.mu.Unlock()

	c.confirmSetStates()
	c.dataChanged()
}

func (c *Client) requestResync(format string, args ...interface{}) {
	c.log.Warn(format, args...)
	c.mu.Lock()
	c.queueGetStates = true
	c.mu.Unlock()
}

// computeDerived runs the derived-state calculator over a snapshot that is
// not yet published, so readers never observe a half-computed state.
func (c *Client) computeDerived(states map[string]*CentralState) {
	if central, ok := states[c.opts.CentralID]; ok {
		computeStates(central, c.opts.Detector)
	}
}

// confirmSetStates resolves in-flight setStates commands whose requested
// bit has actually flipped in the current snapshot. A setStates resolves on
// observed effect, not on transmission.
func (c *Client) confirmSetStates() {
	c.mu.Lock()
	states := c.states
	c.mu.Unlock()

	central, ok := states[c.opts.CentralID]
	if !ok {
		return
	}

	for key, req := range c.pending.startedSetStates() {
		if req.Group == nil || req.Index == nil || req.State == nil {
			continue
		}
		entity, ok := central.Entities[filterID(*req.Group, *req.Index)]
		if !ok {
			continue
		}
		actual := entity.States.On == 1
		if actual == *req.State {
			c.pending.setOK(key, actual)
		}
	}
}

func (c *Client) dataChanged() {
	c.updateAvailability(false)
	c.notifyCallback()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) currentState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// awaitResult polls a pending command until it resolves, the client stops,
// the context is cancelled or the timeout elapses. Zero timeout means the
// configured default.
func (c *Client) awaitResult(ctx context.Context, key string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		state, result, err := c.pending.status(key)
		switch state {
		case CommandOK:
			return result, nil
		case CommandKO:
			if err == nil {
				err = fmt.Errorf("command %s failed", key)
			}
			return nil, err
		}

		c.mu.Lock()
		connState := c.state
		stopErr := c.stopErr
		c.mu.Unlock()
		if connState == Stopped {
			if stopErr != nil {
				return nil, stopErr
			}
			return nil, ErrStopped
		}
		if time.Now().After(deadline) {
			return nil, commandTimeoutError(key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// waitCentralOK blocks until the central is confirmed reachable. Issuing a
// state change while the central status is unknown is unsafe.
func (c *Client) waitCentralOK(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		state := c.state
		detail := c.stateDetail
		stopErr := c.stopErr
		c.mu.Unlock()

		switch state {
		case CentralOK:
			return nil
		case Stopped:
			if stopErr != nil {
				return stopErr
			}
			return ErrStopped
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for central, current state %s %s", state, detail)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// GetStatesAndReturn performs a state fetch and returns the fresh snapshot.
// The data-changed callback is suppressed for the duration so pollers do
// not observe their own refresh.
func (c *Client) GetStatesAndReturn(ctx context.Context) (map[string]*CentralState, error) {
	if err := c.EnsureLogged(ctx); err != nil {
		return nil, err
	}
	c.setCallbackSuppressed(true)
	defer func() {
		time.Sleep(callbackSettle)
		c.setCallbackSuppressed(false)
	}()

	if err := c.sendGetStates(1); err != nil {
		return nil, err
	}
	result, err := c.awaitResult(ctx, CommandGetStates, 0)
	if err != nil {
		return nil, err
	}
	states, _ := result.(map[string]*CentralState)
	return states, nil
}

// RequestRefresh enqueues a state re-fetch and flushes the queue if the
// connection allows it. Used by the periodic poll.
func (c *Client) RequestRefresh() {
	c.mu.Lock()
	c.queueGetStates = true
	c.mu.Unlock()
	c.sendQueued()
}

// SetStates arms or disarms one group, area, zone or output. The call
// resolves once the entry's on-bit is observed at the requested value, not
// merely once the command was transmitted.
func (c *Client) SetStates(ctx context.Context, group, index int, state bool, pin string) (bool, error) {
	c.mu.Lock()
	pinRequired := c.pinRequired
	states := c.states
	c.mu.Unlock()

	var userIdx *int
	if pinRequired {
		if pin == "" {
			return false, ErrPINNotSpecified
		}
		user, ok := NewStatesParser(states).UserByPIN(c.opts.CentralID, pin)
		if !ok {
			c.log.Warn("Cannot find user by PIN")
			return false, ErrPINNotValid
		}
		userIdx = intPtr(user.Index)
	} else if pin != "" {
		return false, ErrPINNotAllowed
	}

	if err := c.waitCentralOK(ctx, centralOKWait); err != nil {
		return false, err
	}

	key := fmt.Sprintf("setStates_%d_%d", group, index)
	cmd := Command{
		Command:         CommandSetStates,
		CentralID:       c.opts.CentralID,
		CentralUsername: c.opts.CentralUsername,
		CentralPassword: c.opts.CentralPassword,
		Group:           intPtr(group),
		Index:           intPtr(index),
		State:           boolPtr(state),
		UserPIN:         pin,
		UserIdx:         userIdx,
	}
	if err := c.send(cmd, key, 1); err != nil {
		return false, err
	}
	result, err := c.awaitResult(ctx, key, 0)
	if err != nil {
		return false, err
	}
	confirmed, _ := result.(bool)
	return confirmed, nil
}

// RawStates returns the current typed snapshot. The map is swapped
// atomically on update and must be treated as read-only.
func (c *Client) RawStates() map[string]*CentralState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states
}

// Parser returns a typed view over the current snapshot.
func (c *Client) Parser() *StatesParser {
	return NewStatesParser(c.RawStates())
}

// RawTree returns the raw patch-addressed server payload, for diagnostics.
func (c *Client) RawTree() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.treeJSON
}

func (c *Client) CentralID() string {
	return c.opts.CentralID
}

// PinRequired reports whether arm/disarm commands need a user PIN on this
// central.
func (c *Client) PinRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinRequired
}

func (c *Client) ProtoVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protoVer
}

// CentralValid reports whether a full state snapshot has ever been
// received on this client.
func (c *Client) CentralValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.centralValid
}

// ArmedAny reports whether anything on the configured central is armed.
func (c *Client) ArmedAny() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.states[c.opts.CentralID]; ok {
		return cs.ArmedAny
	}
	return false
}

// DeviceAvailable reports availability with the reconnect debounce applied:
// the device is only declared unavailable after the grace delay passes with
// no successful confirmation.
func (c *Client) DeviceAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceAvailable
}

// State returns the connection state and its detail message.
func (c *Client) State() (ConnState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.stateDetail
}

// Diagnostics is a JSON-serializable support snapshot of the connection and
// the command correlator.
type Diagnostics struct {
	State     string              `json:"state"`
	Detail    string              `json:"detail,omitempty"`
	LastError string              `json:"last_error,omitempty"`
	Available bool                `json:"available"`
	ProtoVer  int                 `json:"proto_ver,omitempty"`
	Commands  []CommandDiagnostic `json:"commands"`
}

func (c *Client) Diagnostics() Diagnostics {
	c.mu.Lock()
	d := Diagnostics{
		State:     c.state.String(),
		Detail:    c.stateDetail,
		Available: c.deviceAvailable,
		ProtoVer:  c.protoVer,
	}
	if c.stopErr != nil {
		d.LastError = c.stopErr.Error()
	}
	c.mu.Unlock()
	d.Commands = c.pending.diagnostics()
	return d
}
