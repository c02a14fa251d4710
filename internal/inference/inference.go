package inference

import (
	"fmt"

	"github.com/fyrsmithlabs/stagextract/internal/config"
	"github.com/fyrsmithlabs/stagextract/internal/extraction"
	"github.com/fyrsmithlabs/stagextract/internal/logging"
)

// New builds the backend named by cfg.Provider.
func New(cfg Config, logger *logging.Logger) (extraction.Inferencer, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("inference")

	switch cfg.Provider {
	case config.ProviderOllama, "":
		return NewOllama(cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAI(cfg, logger)
	case config.ProviderAnthropic:
		return NewAnthropic(cfg, logger)
	}
	return nil, fmt.Errorf("inference: unknown provider %q", cfg.Provider)
}

var (
	_ extraction.Inferencer = (*LangChain)(nil)
	_ extraction.Inferencer = (*Anthropic)(nil)
)
