package connectivity

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// ProberConfig holds configuration for a Prober.
type ProberConfig struct {
	// URL is the health endpoint to poll
	URL string

	// Interval is how often to probe
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Client performs the probes (nil = a client with Timeout)
	Client *http.Client

	// Logger for transitions
	Logger *log.Logger
}

// DefaultProberConfig returns sensible defaults for url.
func DefaultProberConfig(url string) *ProberConfig {
	return &ProberConfig{
		URL:      url,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Prober is an Observer that polls an HTTP endpoint. Any response below 500
// means the remote is reachable.
type Prober struct {
	config    *ProberConfig
	client    *http.Client
	listeners listeners

	mu     sync.Mutex
	online bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a prober. Call Start to begin polling.
func NewProber(config *ProberConfig) (*Prober, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("probe URL cannot be empty")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("probe interval must be positive")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &Prober{config: config, client: client}, nil
}

// Online implements Observer.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// OnChange implements Observer.
func (p *Prober) OnChange(fn func(online bool)) func() {
	return p.listeners.add(fn)
}

// Start probes once synchronously, so Online is meaningful on return, then
// keeps probing in the background until ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.Probe(ctx)

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop ends background probing and waits for the loop to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe checks the endpoint once and notifies listeners on a transition.
// It returns the observed state.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the remote.
		return p.Online()
	}

	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	if changed {
		if online {
			p.config.Logger.Printf("Remote reachable: %s", p.config.URL)
		} else {
			p.config.Logger.Printf("Remote unreachable: %s", p.config.URL)
		}
		p.listeners.emit(online)
	}
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
