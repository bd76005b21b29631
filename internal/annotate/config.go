package annotate

import (
	"fmt"
	"os"
	"strings"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
)

// FromConfig builds the Annotator described by cfg.
func FromConfig(cfg config.AnnotatorConfig) (*Annotator, error) {
	timeout := config.Duration(cfg.Timeout, DefaultTimeout)

	var s Summarizer
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		s = NoopSummarizer{}
	case "openai":
		var key string
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		s = NewOpenAISummarizer(OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: timeout,
		})
	default:
		return nil, agenterrors.ConfigError(fmt.Sprintf("unknown annotator provider %q", cfg.Provider), nil)
	}

	return New(s, Options{Workers: cfg.WorkerPoolSize, Timeout: timeout}), nil
}
