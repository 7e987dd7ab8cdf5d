package b2b

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/tandem/internal/config"
	"github.com/sebas/tandem/internal/dialog"
	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/portpool"
)

// TargetResolver maps an incoming INVITE to the targets dialed on its
// behalf. More than one target forks the call; the first success wins.
type TargetResolver interface {
	Resolve(ctx context.Context, req *sip.Request) ([]sip.Uri, error)
}

// TargetResolverFunc adapts a function to TargetResolver.
type TargetResolverFunc func(ctx context.Context, req *sip.Request) ([]sip.Uri, error)

// Resolve implements TargetResolver.
func (f TargetResolverFunc) Resolve(ctx context.Context, req *sip.Request) ([]sip.Uri, error) {
	return f(ctx, req)
}

// RequestURIResolver dials the INVITE's Request-URI as the only target.
type RequestURIResolver struct{}

// Resolve implements TargetResolver.
func (RequestURIResolver) Resolve(_ context.Context, req *sip.Request) ([]sip.Uri, error) {
	return []sip.Uri{req.Recipient}, nil
}

// Engine is the B2BUA front door: it owns the sipgo stack, creates a
// leg pair (or fork set) per incoming call and routes in-dialog traffic
// to the owning leg by Call-ID.
type Engine struct {
	cfg *config.Config

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	dir       *Directory
	registry  CallRegistry
	processor *media.Processor
	pool      *portpool.Pool

	resolver TargetResolver
	rtpMode  media.RTPMode
	inband   bool

	localContact sip.Uri

	mu      sync.RWMutex
	calls   map[string]*CallLeg // Call-ID -> owning leg
	legCall map[string]string   // leg ID -> Call-ID
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithTargetResolver replaces the default Request-URI resolver.
func WithTargetResolver(r TargetResolver) EngineOption { return func(e *Engine) { e.resolver = r } }

// WithMode sets the media handling mode applied to every leg.
func WithMode(m media.RTPMode) EngineOption { return func(e *Engine) { e.rtpMode = m } }

// WithDTMFInterception enables telephone-event interception on audio
// streams.
func WithDTMFInterception(on bool) EngineOption { return func(e *Engine) { e.inband = on } }

// NewEngine builds the SIP stack and the call machinery.
func NewEngine(cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		dir:       NewDirectory(),
		registry:  NewRegistry(),
		processor: media.NewProcessor(time.Second, cfg.RTPTimeout),
		pool:      portpool.New(cfg.RTPPortMin, cfg.RTPPortMax),
		resolver:  RequestURIResolver{},
		rtpMode:   media.ModeRelay,
		calls:     make(map[string]*CallLeg),
		legCall:   make(map[string]string),
		localContact: sip.Uri{
			Scheme: "sip",
			User:   "tandem",
			Host:   cfg.AdvertiseAddr,
			Port:   cfg.Port,
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	srv.OnRequest(sip.INVITE, e.handleInvite)
	srv.OnRequest(sip.ACK, e.routeToLeg)
	srv.OnRequest(sip.BYE, e.routeToLeg)
	srv.OnRequest(sip.CANCEL, e.routeToLeg)
	srv.OnRequest(sip.UPDATE, e.routeToLeg)
	srv.OnRequest(sip.REFER, e.routeToLeg)
	srv.OnRequest(sip.NOTIFY, e.routeToLeg)
	srv.OnRequest(sip.INFO, e.routeToLeg)
	srv.OnRequest(sip.MESSAGE, e.routeToLeg)
	srv.OnRequest(sip.OPTIONS, e.handleOptions)

	return e, nil
}

// Serve starts the media processor and the SIP listener, blocking until
// the context is canceled.
func (e *Engine) Serve(ctx context.Context) error {
	e.processor.Start()
	addr := fmt.Sprintf("%s:%d", e.cfg.BindAddr, e.cfg.Port)
	slog.Info("[Engine] SIP server listening", "addr", addr, "advertise", e.cfg.AdvertiseAddr,
		"mode", e.rtpMode.String())
	if err := e.srv.ListenAndServe(ctx, "udp", addr); err != nil {
		return fmt.Errorf("sip listen %s: %w", addr, err)
	}
	return nil
}

// Shutdown tears down every live call and closes the stack.
func (e *Engine) Shutdown() {
	e.mu.RLock()
	legs := make([]*CallLeg, 0, len(e.calls))
	for _, l := range e.calls {
		legs = append(legs, l)
	}
	e.mu.RUnlock()

	for _, l := range legs {
		_ = l.Shutdown()
	}
	e.processor.Stop()
	_ = e.ua.Close()
	slog.Info("[Engine] Shut down", "calls_closed", len(legs))
}

// Registry exposes the live call table.
func (e *Engine) Registry() CallRegistry { return e.registry }

// Directory exposes the leg event router.
func (e *Engine) Directory() *Directory { return e.dir }

func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			e.routeToLeg(req, tx)
			return
		}
	}
	e.newCall(req, tx)
}

// handleOptions answers out-of-dialog keepalives itself and routes
// in-dialog OPTIONS like any other request.
func (e *Engine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			e.routeToLeg(req, tx)
			return
		}
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, UPDATE, REFER, NOTIFY, INFO, MESSAGE, OPTIONS"))
	_ = tx.Respond(res)
}

// routeToLeg dispatches an in-dialog request to the leg owning its
// Call-ID.
func (e *Engine) routeToLeg(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		e.respond(req, tx, 400, "Missing Call-ID")
		return
	}

	e.mu.RLock()
	leg, ok := e.calls[callID.Value()]
	e.mu.RUnlock()

	if !ok {
		if req.Method != sip.ACK {
			e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		}
		return
	}
	if err := leg.HandleRequest(dialog.IncomingRequest{Req: req, Tx: tx}); err != nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist")
	}
}

// newCall builds the leg pair (or fork set) for a dialog-establishing
// INVITE.
func (e *Engine) newCall(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		e.respond(req, tx, 400, "Missing Call-ID")
		return
	}

	targets, err := e.resolver.Resolve(context.Background(), req)
	if err != nil || len(targets) == 0 {
		slog.Warn("[Engine] No route for call", "call_id", callID.Value(), "error", err)
		e.respond(req, tx, 404, "Not Found")
		return
	}

	legOpts := e.legOptions()

	aDlg := dialog.NewInbound(req, e.localContact, e.client)
	aLeg := NewCallLeg(aDlg, e.dir, true, legOpts...)
	e.track(callID.Value(), aLeg)
	aLeg.Start()
	_ = aLeg.AdoptInvite(dialog.IncomingRequest{Req: req, Tx: tx})

	var fromURI sip.Uri
	var display string
	if from := req.From(); from != nil {
		fromURI = from.Address
		display = from.DisplayName
	} else {
		fromURI = e.localContact
	}

	candidates := make([]Candidate, 0, len(targets))
	for _, target := range targets {
		var mc *media.Controller
		if e.rtpMode != media.ModeDirect {
			mc = media.NewController(e.pool, e.cfg.BindAddr, e.cfg.AdvertiseAddr, e.cfg.HoldZeroConnection)
		}
		bDlg := dialog.NewDialer(target, fromURI, display, e.localContact, e.client)
		bLeg := NewCallLeg(bDlg, e.dir, false, legOpts...)
		e.track(bDlg.ID(), bLeg)
		bLeg.Start()
		candidates = append(candidates, Candidate{ID: bLeg.ID(), Media: mc})
	}

	slog.Info("[Engine] Call setup", "call_id", callID.Value(), "a_leg", aLeg.ID(),
		"candidates", len(candidates))
	_ = aLeg.ConnectCallee(candidates, nil, nil)
}

func (e *Engine) legOptions() []LegOption {
	return []LegOption{
		WithRegistry(e.registry),
		WithProcessor(e.processor),
		WithRTPMode(e.rtpMode),
		WithSymmetricRTP(e.cfg.SymmetricRTP),
		WithInbandDTMF(e.inband),
		WithAvoid491(e.cfg.Avoid491),
		WithRetryWindow(e.cfg.Max491RetryTime),
		WithSessionRefresh(e.cfg.SessionRefreshInterval),
		WithStatusFunc(e.onLegStatus),
	}
}

func (e *Engine) track(callID string, leg *CallLeg) {
	e.mu.Lock()
	e.calls[callID] = leg
	e.legCall[leg.ID()] = callID
	e.mu.Unlock()
}

// onLegStatus drops the routing entries of legs that reached their
// final status.
func (e *Engine) onLegStatus(legID string, _, to CallStatus) {
	if to != StatusDisconnected {
		return
	}
	e.mu.Lock()
	if callID, ok := e.legCall[legID]; ok {
		delete(e.legCall, legID)
		if owner, ok := e.calls[callID]; ok && owner.ID() == legID {
			delete(e.calls, callID)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	if tx == nil {
		return
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		slog.Debug("[Engine] Response failed", "method", string(req.Method), "error", err)
	}
}
