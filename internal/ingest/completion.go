package ingest

import (
	"context"
	"log"

	"github.com/avrec/logbookgo/internal/models"
)

// CheckCompletion rolls all pages of a batch into one batch-level status.
// Invoked after every page status update, from any worker. It only depends on
// the count of terminal pages, not their arrival order, so redundant and
// concurrent invocations converge on the same value: completed when every
// page is terminal and none failed, failed when every page is terminal and at
// least one failed, untouched otherwise.
func CheckCompletion(ctx context.Context, st Store, batchID string) error {
	counts, err := st.CountPages(ctx, batchID)
	if err != nil {
		return err
	}

	if counts.Total == 0 || counts.Terminal() != counts.Total {
		return nil
	}

	status := models.BatchStatusCompleted
	if counts.Failed > 0 {
		status = models.BatchStatusFailed
	}

	log.Printf("🏁 Batch %s: %d/%d pages terminal, %d failed → %s",
		batchID, counts.Terminal(), counts.Total, counts.Failed, status)
	return st.SetBatchStatus(ctx, batchID, status)
}
