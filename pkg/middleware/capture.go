package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ngoyal88/promptrelay/pkg/capture"
	"github.com/ngoyal88/promptrelay/pkg/config"
	"github.com/ngoyal88/promptrelay/pkg/credential"
	"github.com/ngoyal88/promptrelay/pkg/logging"
	"github.com/ngoyal88/promptrelay/pkg/provider"
	"github.com/ngoyal88/promptrelay/pkg/proxy"
	"go.uber.org/zap"
)

// Interceptor is the relay's catch-all handler. It recognises the provider,
// passes the caller's key through, forwards the call and hands a capture
// context to the pipeline once the client has its response. Capture never
// changes what the client sees.
type Interceptor struct {
	registry  *provider.Registry
	forwarder *proxy.Forwarder
	pipeline  *capture.Pipeline
	cfgStore  *config.Store
	logger    *zap.Logger
	now       func() time.Time
}

// NewInterceptor wires the filter. pipeline may be nil to disable capture.
func NewInterceptor(reg *provider.Registry, fwd *proxy.Forwarder, pipeline *capture.Pipeline, cfgStore *config.Store, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		registry:  reg,
		forwarder: fwd,
		pipeline:  pipeline,
		cfgStore:  cfgStore,
		logger:    logger.With(logging.Component("interceptor")),
		now:       time.Now,
	}
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := i.now()
	cfg := i.cfgStore.Get()
	query := r.URL.Query()

	cls := i.registry.Classify(r.URL.Path, r.Header, query)
	if cls.Provider == provider.Unknown {
		if known, ok := i.registry.Lookup(cls.PathMatch); ok {
			rejections.WithLabelValues("missing_api_key").Inc()
			i.logger.Warn("missing API key", logging.Provider(string(known.ID)), zap.String("path", r.URL.Path))
			respondMissingKey(w, known)
			return
		}
		rejections.WithLabelValues("unknown_provider").Inc()
		i.logger.Warn("unknown LLM provider", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		respondUnknownProvider(w, i.registry)
		return
	}

	desc, _ := i.registry.Lookup(cls.Provider)
	cred, err := credential.Extract(desc, r.Header, query)
	switch {
	case errors.Is(err, credential.ErrMissingKey):
		rejections.WithLabelValues("missing_api_key").Inc()
		i.logger.Warn("missing API key", logging.Provider(string(desc.ID)))
		respondMissingKey(w, desc)
		return
	case errors.Is(err, credential.ErrInvalidKey):
		rejections.WithLabelValues("invalid_api_key").Inc()
		i.logger.Warn("invalid API key format", logging.Provider(string(desc.ID)), logging.KeyHash(cred.Hash()))
		respondInvalidKey(w, desc)
		return
	case err != nil:
		rejections.WithLabelValues("unknown_provider").Inc()
		respondUnknownProvider(w, i.registry)
		return
	}
	if cred.FromQuery() {
		i.logger.Debug("API key taken from URL query",
			logging.Provider(string(desc.ID)), logging.KeyHash(cred.Hash()))
	}

	body, bodyErr := readBody(w, r, cfg.Proxy.MaxBodyBytes)
	if bodyErr != nil && isTooLarge(bodyErr) {
		rejections.WithLabelValues("body_too_large").Inc()
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	capturing := i.pipeline != nil && cfg.Capture.Enabled && bodyErr == nil
	if bodyErr != nil {
		i.logger.Warn("request body read failed, capture abandoned",
			logging.Provider(string(desc.ID)), zap.Error(bodyErr))
	}

	var cc capture.Context
	if capturing {
		cc = i.begin(r, desc, cred.Hash(), body, start, cfg)
	}

	ex := i.forwarder.Forward(w, r, proxy.Target{
		Descriptor: desc,
		Credential: cred,
		Body:       body,
		BodyErr:    bodyErr,
	})
	forwarded.WithLabelValues(string(desc.ID), capture.ClassifyStatus(ex.StatusCode, ex.Err)).Inc()

	if capturing {
		i.pipeline.Dispatch(cc.WithOutcome(i.outcome(desc, ex, cc.RequestID)))
	}

	if ex.Aborted {
		panic(http.ErrAbortHandler)
	}
}

// begin builds the request half of the capture context. Only the key hash
// goes in; the credential itself stays with the forwarder.
func (i *Interceptor) begin(r *http.Request, d provider.Descriptor, keyHash string, body []byte, start time.Time, cfg *config.Config) capture.Context {
	ip := ClientIP(r)
	ua := r.UserAgent()
	corr := capture.Correlator{Window: cfg.Capture.ConversationWindow}

	cc := capture.Context{
		RequestID:   uuid.NewString(),
		Provider:    d.ID,
		APIKeyHash:  keyHash,
		RequestTime: start,
		ClientIP:    ip,
		UserAgent:   ua,
		Path:        r.URL.Path,
		Headers:     capture.SafeHeaders(r.Header),
	}

	prompt, err := parsePrompt(d, r.URL.Path, body)
	if err != nil {
		// Parsing is advisory; the partial prompt is still captured.
		i.logger.Debug("request body not fully parsed",
			logging.RequestID(cc.RequestID), logging.Provider(string(d.ID)), zap.Error(err))
	}

	return cc.WithBody(body).
		WithConversation(corr.ID(ip, ua, start)).
		WithPrompt(prompt)
}

// outcome reads usage out of the captured response.
func (i *Interceptor) outcome(d provider.Descriptor, ex *proxy.Exchange, requestID string) capture.Outcome {
	o := capture.Outcome{
		StatusCode: ex.StatusCode,
		Err:        ex.Err,
		Truncated:  ex.Response.Truncated(),
		Finished:   ex.Finished,
	}

	raw := ex.Response.Bytes()
	if len(raw) == 0 {
		return o
	}
	decoded, err := capture.DecodeBody(ex.ContentEncoding, raw)
	if err != nil {
		i.logger.Debug("captured response not decodable", logging.RequestID(requestID), zap.Error(err))
		decoded = raw
	}
	o.Usage = provider.ScanUsage(decoded, d.ParseUsage)
	text := string(decoded)
	o.ResponseBody = &text
	return o
}

func parsePrompt(d provider.Descriptor, path string, body []byte) (p provider.Prompt, err error) {
	if d.ParseRequest == nil {
		return provider.Prompt{}, nil
	}
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: parser panicked: %v", provider.ErrMalformedBody, v)
		}
	}()
	return d.ParseRequest(path, body)
}
