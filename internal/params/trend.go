package params

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OnikaiAlgo/Pacifica-Market-Making/internal/domain"
)

const supertrendFilePrefix = "supertrend_params_"

type supertrendFile struct {
	CurrentSignal struct {
		Trend *int `json:"trend"`
	} `json:"current_signal"`
}

// TrendLoader reads the Supertrend direction file for one symbol.
type TrendLoader struct {
	dir    string
	symbol string
}

// NewTrendLoader creates a loader rooted at the params directory.
func NewTrendLoader(dir, symbol string) *TrendLoader {
	return &TrendLoader{dir: dir, symbol: strings.ToUpper(symbol)}
}

// Load returns the current trend snapshot. A missing file yields a neutral
// signal; a present file with a value other than +1 or -1 is an error.
func (l *TrendLoader) Load(now time.Time) (domain.TrendSignal, error) {
	path := filepath.Join(l.dir, supertrendFilePrefix+l.symbol+".json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return domain.TrendSignal{Direction: domain.TrendNeutral, ComputedAt: now}, nil
	}
	if err != nil {
		return domain.TrendSignal{}, err
	}

	var payload supertrendFile
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.TrendSignal{}, fmt.Errorf("parse %s: %w", path, err)
	}

	trend := payload.CurrentSignal.Trend
	if trend == nil || (*trend != 1 && *trend != -1) {
		return domain.TrendSignal{}, fmt.Errorf("invalid trend signal in %s", path)
	}
	return domain.TrendSignal{
		Direction:  domain.TrendDirection(*trend),
		ComputedAt: now,
	}, nil
}
