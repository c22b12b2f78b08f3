package main

import (
	"testing"
	"time"

	"github.com/davsync/davsync/internal/client/config"
	"github.com/davsync/davsync/internal/client/sync"
	"github.com/stretchr/testify/assert"
)

func TestNewDecisionProvider(t *testing.T) {
	cfg := config.Default()

	// go test never runs attached to a terminal
	assert.IsType(t, sync.DeferDecisions{}, newDecisionProvider(cfg, nil))

	cfg.ConflictStrategy = config.StrategyNewest
	assert.IsType(t, sync.DeferDecisions{}, newDecisionProvider(cfg, nil))
}

func TestDescribeSides(t *testing.T) {
	local := &sync.FileEntry{Path: "a.md", Size: 1536, Mtime: time.Now().Add(-2 * time.Hour).UnixMilli()}
	remote := &sync.FileEntry{Path: "a.md", Size: 10}

	assert.Equal(t, "local: 1.5 KiB, modified 2 hours ago\nremote: 10 B", describeSides(local, remote))
	assert.Equal(t, "remote: 10 B", describeSides(nil, remote))
	assert.Empty(t, describeSides(nil, nil))
}
