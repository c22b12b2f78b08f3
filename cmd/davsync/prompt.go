package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/davsync/davsync/internal/client/config"
	"github.com/davsync/davsync/internal/client/sync"
	"github.com/dustin/go-humanize"
)

// newDecisionProvider asks the user when one is attached and the strategy
// leaves the choice to them. Everything else defers to a later pass.
func newDecisionProvider(cfg *config.Config, status *statusLine) sync.DecisionProvider {
	if cfg.ConflictStrategy != config.StrategyAsk || !interactive() {
		return sync.DeferDecisions{}
	}
	return &promptDecisions{status: status}
}

// promptDecisions renders one huh form per question.
type promptDecisions struct {
	status *statusLine

	mu gosync.Mutex
}

func (p *promptDecisions) ResolveConflict(ctx context.Context, info *sync.ConflictInfo) (sync.ConflictChoice, error) {
	choice := sync.ChoiceDefer
	sel := huh.NewSelect[sync.ConflictChoice]().
		Title(fmt.Sprintf("%s changed on both sides", info.Path)).
		Description(describeSides(info.Local, info.Remote)).
		Options(
			huh.NewOption("Keep local (upload)", sync.ChoiceKeepLocal),
			huh.NewOption("Keep remote (download)", sync.ChoiceKeepRemote),
			huh.NewOption("Decide later", sync.ChoiceDefer),
		).
		Value(&choice)

	if err := p.run(ctx, sel); err != nil {
		return sync.ChoiceDefer, err
	}
	return choice, nil
}

func (p *promptDecisions) ResolveLocalDeleted(ctx context.Context, info *sync.DeletionInfo) (sync.DeletionChoice, error) {
	choice := sync.ChoiceDeferDeletion
	sel := huh.NewSelect[sync.DeletionChoice]().
		Title(fmt.Sprintf("%s was deleted locally", info.Path)).
		Description(describeSides(nil, info.Remote)).
		Options(
			huh.NewOption("Delete on the server too", sync.ChoiceDeleteRemote),
			huh.NewOption("Restore from the server", sync.ChoiceRestore),
			huh.NewOption("Decide later", sync.ChoiceDeferDeletion),
		).
		Value(&choice)

	if err := p.run(ctx, sel); err != nil {
		return sync.ChoiceDeferDeletion, err
	}
	return choice, nil
}

func (p *promptDecisions) run(ctx context.Context, field huh.Field) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.hold()
	defer p.status.release()

	err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		// ctrl-c on a prompt defers the question, it does not fail the pass
		return nil
	}
	return err
}

func describeSides(local, remote *sync.FileEntry) string {
	var parts []string
	if local != nil {
		parts = append(parts, "local: "+describeEntry(local))
	}
	if remote != nil {
		parts = append(parts, "remote: "+describeEntry(remote))
	}
	return strings.Join(parts, "\n")
}

func describeEntry(e *sync.FileEntry) string {
	s := humanize.IBytes(uint64(e.Size))
	if e.Mtime > 0 {
		s += ", modified " + humanize.Time(time.UnixMilli(e.Mtime))
	}
	return s
}
