package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "segarb.log")
	if err := Setup(Options{Level: "debug", File: path}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	log.Debug().Str("pair", "BTC:binance-bybit").Msg("logger test line")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "logger test line") || !strings.Contains(string(data), `"pair":"BTC:binance-bybit"`) {
		t.Errorf("log file = %s", data)
	}
}

func TestSetupBadLevelFallsBackToInfo(t *testing.T) {
	if err := Setup(Options{Level: "loud"}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("level = %v", zerolog.GlobalLevel())
	}
}
