package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/kioskd/pkg/fleet"
	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/rs/zerolog"
)

// Registrar exchanges an activation code for a device identity
type Registrar interface {
	SetBaseURL(url string)
	Register(ctx context.Context, mac, code string) (*types.Registration, error)
}

// IdentitySaver persists a freshly issued identity
type IdentitySaver interface {
	Save(identity *types.DeviceIdentity) error
}

type registerRequest struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

type registerResponse struct {
	Err      bool   `json:"err"`
	Msg      string `json:"msg"`
	DeviceID string `json:"deviceId,omitempty"`
	Window   int64  `json:"window,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Server is the local activation endpoint of an unprovisioned device
type Server struct {
	addr      string
	registrar Registrar
	store     IdentitySaver
	lookupMAC func() (string, error)
	logger    zerolog.Logger

	// mu serializes registrations so only one identity is issued per Serve
	mu         sync.Mutex
	registered bool
	done       chan *types.DeviceIdentity
}

// ErrAlreadyRegistered rejects a registration after one has succeeded
var ErrAlreadyRegistered = errors.New("device is already registered")

// NewServer creates a recovery server listening on addr
func NewServer(addr string, registrar Registrar, store IdentitySaver) *Server {
	return &Server{
		addr:      addr,
		registrar: registrar,
		store:     store,
		lookupMAC: HostMAC,
		logger:    log.WithComponent("recovery"),
		done:      make(chan *types.DeviceIdentity, 1),
	}
}

// Handler returns the HTTP routes of the recovery server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/", s.handleForm)
	return mux
}

// Run listens on the configured address and serves until a registration
// succeeds or ctx is done, returning the new identity
func (s *Server) Run(ctx context.Context) (*types.DeviceIdentity, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start recovery server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. The listener is closed before Serve
// returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) (*types.DeviceIdentity, error) {
	s.mu.Lock()
	s.registered = false
	select {
	case <-s.done:
	default:
	}
	s.mu.Unlock()

	var err error
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Recovery server started")

	var identity *types.DeviceIdentity
	select {
	case identity = <-s.done:
	case err = <-serveErr:
	case <-ctx.Done():
		err = ctx.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		s.logger.Warn().Err(shutdownErr).Msg("Recovery server shutdown incomplete")
	}

	if identity != nil {
		s.logger.Info().Str("device_id", identity.DeviceID).Msg("Recovery server stopped")
		return identity, nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return nil, err
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, registerResponse{Err: true, Msg: "method not allowed"})
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, registerResponse{Err: true, Msg: "invalid request body"})
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, registerResponse{Err: true, Msg: "activation code is required"})
		return
	}

	identity, reg, err := s.register(r.Context(), req)
	if errors.Is(err, ErrAlreadyRegistered) {
		writeJSON(w, http.StatusConflict, registerResponse{Err: true, Msg: err.Error()})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Registration failed")
		writeJSON(w, http.StatusBadRequest, registerResponse{Err: true, Msg: failureMessage(err)})
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		Msg:      reg.Message,
		DeviceID: reg.DeviceID,
		Window:   reg.Window,
		Code:     reg.Code,
	})

	s.logger.Info().Str("device_id", identity.DeviceID).Msg("Successfully registered")
	s.done <- identity
}

func (s *Server) register(ctx context.Context, req registerRequest) (*types.DeviceIdentity, *types.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return nil, nil, ErrAlreadyRegistered
	}

	mac, err := s.lookupMAC()
	if err != nil {
		return nil, nil, err
	}

	if req.URL != "" {
		s.registrar.SetBaseURL(req.URL)
	}

	reg, err := s.registrar.Register(ctx, mac, req.Code)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range reg.Errors {
		s.logger.Warn().Str("detail", e).Msg("Registration reported an error")
	}
	if reg.DeviceID == "" || reg.PrivateKey == "" {
		return nil, nil, errors.New("registration returned no identity")
	}

	identity := &types.DeviceIdentity{
		DeviceID:   reg.DeviceID,
		PrivateKey: reg.PrivateKey,
		APIURL:     req.URL,
	}
	if err := s.store.Save(identity); err != nil {
		return nil, nil, err
	}
	s.registered = true
	return identity, reg, nil
}

// failureMessage prefers the backend's own message
func failureMessage(err error) string {
	var apiErr *fleet.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(registerForm))
}

const registerForm = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Device activation</title></head>
<body>
<h1>Activate this device</h1>
<form id="register">
  <label>Activation code <input name="code" required></label><br>
  <label>API URL <input name="url" type="url"></label><br>
  <button type="submit">Register</button>
</form>
<pre id="result"></pre>
<script>
document.getElementById('register').addEventListener('submit', async (e) => {
  e.preventDefault();
  const form = new FormData(e.target);
  const res = await fetch('/api/register', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({code: form.get('code'), url: form.get('url')}),
  });
  document.getElementById('result').textContent = JSON.stringify(await res.json(), null, 2);
});
</script>
</body>
</html>
`
