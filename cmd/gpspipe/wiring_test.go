package main

import (
	"fmt"
	"testing"

	"github.com/buslogic/smart-city-sub000/internal/config"
	"github.com/robfig/cron/v3"
)

func TestAPIBase(t *testing.T) {
	cfg := &config.Config{}
	cfg.API.Port = 9090
	if got := apiBase(cfg); got != "http://127.0.0.1:9090" {
		t.Errorf("apiBase = %q", got)
	}
}

func TestDaemonCronSpecsParse(t *testing.T) {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	specs := []string{
		fmt.Sprintf("*/%d * * * * *", 30), // drain at the default interval
		"0 */2 * * * *",
		"0 */5 * * * *",
		"0 * * * * *",
		"0 0 4 * * *",
	}
	for _, spec := range specs {
		if _, err := parser.Parse(spec); err != nil {
			t.Errorf("spec %q does not parse: %v", spec, err)
		}
	}
}
