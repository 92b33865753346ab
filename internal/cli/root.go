// Package cli implements todoctl, the operator tool for the todo pipeline.
package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/todo-1m/consistency/internal/app/domainengine"
	"github.com/todo-1m/consistency/internal/app/outboxrelay"
	"github.com/todo-1m/consistency/internal/app/query"
)

type Relay interface {
	DrainOnce(ctx context.Context) (outboxrelay.Stats, error)
}

type BulkRunner interface {
	MarkAllCompleted(ctx context.Context, commandID string) (domainengine.BulkResult, error)
	ClearCompleted(ctx context.Context, commandID string) (domainengine.BulkResult, error)
}

type Queries interface {
	List(ctx context.Context, req query.ListRequest) (query.ListResponse, error)
	Stats(ctx context.Context) (query.Stats, error)
}

// App holds everything the commands act on.
type App struct {
	Migrations []func(ctx context.Context) error
	Relay      Relay
	Bulk       BulkRunner
	Queries    Queries
}

func NewRootCmd(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "todoctl",
		Short:         "Operate the todo command and projection pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(app),
		newDrainCmd(app),
		newBulkCmd(app),
		newListCmd(app),
		newStatsCmd(app),
	)
	return root
}
