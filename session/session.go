// Package session - This file contains the per connection task loop: request
// decoding, admission through the Registry, and delivery of engine events.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/nvr-ai/go-motion/controller"
	"github.com/pkg/errors"
)

// WebSocket close codes used by the session.
const (
	CloseNormal        = 1000
	ClosePolicy        = 1008
	CloseTryAgainLater = 1013
)

// messageBuffer is the capacity of the inbound message channel.
const messageBuffer = 16

// Conn is the message channel a session talks over.
//
// ReadMessage is called from one goroutine only. WriteJSON is called from the
// session goroutine only. Ping and Close may be called from any goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Ping() error
	Close(code int, reason string) error
}

// Runner executes a detection task. *controller.Engine implements it.
type Runner interface {
	Run(ctx context.Context, task controller.Task, sink controller.Sink) (*controller.Summary, error)
}

// Options configures a Session.
type Options struct {
	// Defaults is the template each request is merged onto.
	Defaults controller.Config
	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
	// NewTaskID generates task ids. Defaults to uuid.NewString.
	NewTaskID func() string
	// Metrics receives counters, may be nil.
	Metrics *Metrics
}

// Session serves the requests of one connection.
type Session struct {
	conn     Conn
	registry *Registry
	runner   Runner
	opts     Options

	// state is guarded by registry.mu.
	state State

	closeMu     sync.Mutex
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// New creates a session. It is registered when Serve starts.
func New(conn Conn, registry *Registry, runner Runner, opts Options) *Session {
	if opts.NewTaskID == nil {
		opts.NewTaskID = uuid.NewString
	}
	return &Session{
		conn:        conn,
		registry:    registry,
		runner:      runner,
		opts:        opts,
		closeCode:   CloseNormal,
		closeReason: "bye",
	}
}

// Serve reads requests until the connection goes away, the context is
// cancelled or the session is refused admission. The session is removed from
// the registry and the connection is closed on return.
//
// Arguments:
//   - ctx: The server context.
//
// Returns:
//   - error: nil when the peer disconnected, otherwise the reason Serve stopped.
func (s *Session) Serve(ctx context.Context) error {
	// connCtx ends with the server or a failed keepalive and closes the conn.
	// ctx also ends when the peer goes away and cancels the running task.
	connCtx, hangup := context.WithCancel(ctx)
	defer hangup()
	ctx, cancel := context.WithCancel(connCtx)
	defer cancel()

	s.registry.Register(s)
	s.opts.Metrics.connectionOpened()
	defer func() {
		s.registry.Remove(s)
		s.opts.Metrics.connectionClosed()
		s.closeConn()
	}()

	go func() {
		<-connCtx.Done()
		s.closeConn()
	}()

	messages := make(chan []byte, messageBuffer)
	go s.readLoop(ctx, cancel, messages)
	if s.opts.PingInterval > 0 {
		go s.keepalive(ctx, hangup)
	}

	for data := range messages {
		if err := s.handle(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc, out chan<- []byte) {
	defer close(out)
	defer cancel()
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("session read: %v", err)
			return
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) keepalive(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				glog.Warningf("session ping failed: %v", err)
				cancel()
				return
			}
		}
	}
}

// handle processes one inbound message. A non-nil error ends the session.
func (s *Session) handle(ctx context.Context, data []byte) error {
	req, err := DecodeRequest(data)
	if err != nil {
		return s.send(ErrorEvent("", ErrCodeBadRequest, err.Error()))
	}
	if req.Type == nil {
		return s.send(ErrorEvent("", ErrCodeMissingType, "missing task type"))
	}
	switch *req.Type {
	case TypeMotionDetection:
	case TypeFaceRecognition:
		return s.send(ErrorEvent("", ErrCodeUnsupportedType, "face recognition is not available"))
	default:
		return s.send(ErrorEvent("", ErrCodeUnsupportedType, "unsupported analysis type"))
	}
	task, err := req.Task(s.opts.Defaults)
	if err != nil {
		return s.send(ErrorEvent("", ErrCodeInvalidParams, err.Error()))
	}

	if err := s.registry.Admit(s); err != nil {
		s.setClose(CloseTryAgainLater, "busy")
		if sendErr := s.send(ErrorEvent("", ErrCodeBusy, err.Error())); sendErr != nil {
			glog.Errorf("session busy reply: %v", sendErr)
		}
		return err
	}
	defer s.registry.Release(s)

	taskID := s.opts.NewTaskID()
	if err := s.send(AddedEvent(taskID)); err != nil {
		return err
	}
	s.opts.Metrics.taskStarted()
	glog.Infof("task %s started with %d sources", taskID, len(task.Sources))

	summary, err := s.runner.Run(ctx, task, &taskSink{session: s, taskID: taskID})
	if err != nil {
		s.opts.Metrics.taskFailed()
		if errors.Is(err, controller.ErrChannelSend) || ctx.Err() != nil {
			glog.Errorf("task %s aborted: %v", taskID, err)
			return err
		}
		glog.Errorf("task %s failed: %v", taskID, err)
		return s.send(ErrorEvent(taskID, ErrCodeInternal, err.Error()))
	}
	glog.Infof("task %s finished: %d runs, %d skipped, %d motions",
		taskID, len(summary.Runs), summary.Skipped, summary.Motions())
	return nil
}

// setClose records the close frame sent when the session ends.
func (s *Session) setClose(code int, reason string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closeCode, s.closeReason = code, reason
}

// closeConn closes the connection once with the recorded close frame.
func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		code, reason := s.closeCode, s.closeReason
		s.closeMu.Unlock()
		if err := s.conn.Close(code, reason); err != nil {
			glog.V(1).Infof("session close: %v", err)
		}
	})
}

func (s *Session) send(ev Event) error {
	if err := s.conn.WriteJSON(ev); err != nil {
		return errors.Wrapf(controller.ErrChannelSend, "%v", err)
	}
	s.opts.Metrics.eventSent(ev.Status)
	return nil
}

// taskSink adapts a session to controller.Sink for one task.
type taskSink struct {
	session *Session
	taskID  string
}

func (t *taskSink) Send(ev controller.Event) error {
	return t.session.send(FromEngine(t.taskID, ev))
}

func (t *taskSink) End(ev controller.Event) error {
	return t.session.send(FromEngine(t.taskID, ev))
}
