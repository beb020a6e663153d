package app

import (
	"context"
	"fmt"
	"os"
)

// EnqueueBroadcast queues a message for every active recipient.
func (a *App) EnqueueBroadcast(ctx context.Context, body string) error {
	store, closeStore, err := a.requireStore(ctx, "enqueue broadcasts")
	if err != nil {
		return err
	}
	defer closeStore()

	job, err := a.newDispatcher(store, nil, nil).Enqueue(ctx, body)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("job_id", job.ID).Msg("broadcast enqueued")
	fmt.Fprintf(os.Stdout, "broadcast %d queued\n", job.ID)
	return nil
}

// SetRecipient activates or deactivates a recipient chat.
func (a *App) SetRecipient(ctx context.Context, chatID int64, active bool) error {
	store, closeStore, err := a.requireStore(ctx, "update recipients")
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.UpsertRecipient(ctx, chatID, active); err != nil {
		return err
	}
	a.Logger.Info().Int64("chat_id", chatID).Bool("active", active).Msg("recipient updated")
	return nil
}
