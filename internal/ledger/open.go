package ledger

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/retry"
)

// Open creates the ledger named by cfg.Driver. The returned closer is never nil.
func Open(cfg config.LedgerConfig, retryCfg config.RetryConfig) (Ledger, io.Closer, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Msg("ledger: using in-memory ledger, settlements are lost on exit")
		return NewMemory(), nopCloser{}, nil
	case "sqlite":
		l, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return l, l, nil
	case "http":
		return NewHTTP(cfg.URL, cfg.APIKey,
			WithTimeout(cfg.Timeout),
			WithRetryPolicy(retry.FromConfig(retryCfg)),
		), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
