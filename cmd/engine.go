package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/config"
	"github.com/dataspecer/dsgit/internal/gitsync"
	"github.com/dataspecer/dsgit/internal/log"
	"github.com/dataspecer/dsgit/internal/mergestate"
	"github.com/dataspecer/dsgit/internal/provider"
	"github.com/dataspecer/dsgit/internal/resource"
)

type deps struct {
	engine    *gitsync.Engine
	states    *mergestate.Store
	providers *provider.Selector
}

func (d *deps) Close() error {
	return d.states.Close()
}

// openEngine wires the engine from the loaded configuration.
func openEngine(ctx context.Context) (*deps, error) {
	storePath := config.GetStorePath()
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	states, err := mergestate.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open merge state store %s: %w", storePath, err)
	}

	workspace := config.GetWorkspaceDir()
	resources, err := resource.NewOSStore(filepath.Join(workspace, "resources"))
	if err != nil {
		_ = states.Close()
		return nil, err
	}

	providers := provider.NewSelector(provider.Config{
		GitHubToken:         config.GetGitHubToken(),
		GitHubWebhookSecret: config.GetGitHubWebhookSecret(),
		GitLabToken:         config.GetGitLabToken(),
		GitLabWebhookSecret: config.GetGitLabWebhookSecret(),

		AllowUnsignedWebhooks: config.GetAllowUnsignedWebhooks(),
	})

	botName, botEmail := config.GetBotIdentity()
	engine, err := gitsync.New(gitsync.Options{
		States:        states,
		Resources:     resources,
		Providers:     providers,
		WorkspaceDir:  workspace,
		SSHKeyPath:    config.GetSSHKeyPath(),
		DefaultBranch: config.GetDefaultBranch(),
		Bot:           gitsync.Actor{Name: botName, Email: botEmail},
	})
	if err != nil {
		_ = states.Close()
		return nil, err
	}

	log.From(ctx).Debug("engine ready", zap.String("store", storePath), zap.String("workspace", workspace))
	return &deps{engine: engine, states: states, providers: providers}, nil
}
