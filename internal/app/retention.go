package app

import (
	"context"

	"snapcaption/internal/util"
	"snapcaption/pkg/domain"
)

// enforceRetention applies the post-persist blob policy: authenticated
// users keep their image, anonymous uploads are removed immediately.
func (a *App) enforceRetention(ctx context.Context, id domain.Identity, storageKey string) {
	if id.Authenticated() {
		return
	}
	a.deleteBlob(ctx, storageKey)
}

// deleteBlob is best-effort housekeeping: failures are logged as cleanup
// errors and never fail the request, since captions were already
// captured. Detached from the caller's cancellation so a disconnect
// cannot strand a blob.
func (a *App) deleteBlob(ctx context.Context, storageKey string) {
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.uploadTimeout)
	defer cancel()
	if err := a.blobs.Delete(deleteCtx, storageKey); err != nil {
		util.LoggerFromContext(ctx).Warn("cleanup failed", "stage", "cleaning_up", "storage_key", storageKey, "err", err)
	}
}
