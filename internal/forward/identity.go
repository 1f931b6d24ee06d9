package forward

import (
	"context"
)

// ExternalIdentity is the recipient's account on the chat platform.
type ExternalIdentity struct {
	ExternalID int64
}

// IdentityResolver looks up the linked chat account of a user. ok is false
// when the user has none, which is an expected steady state.
type IdentityResolver interface {
	ExternalIdentity(ctx context.Context, userID int64) (id ExternalIdentity, ok bool, err error)
}

// Directory is the lookup the store exposes.
type Directory interface {
	ExternalID(ctx context.Context, userID int64) (int64, bool, error)
}

// DirectoryResolver adapts a Directory to IdentityResolver.
type DirectoryResolver struct {
	Dir Directory
}

func (r DirectoryResolver) ExternalIdentity(ctx context.Context, userID int64) (ExternalIdentity, bool, error) {
	id, ok, err := r.Dir.ExternalID(ctx, userID)
	if err != nil || !ok {
		return ExternalIdentity{}, false, err
	}
	return ExternalIdentity{ExternalID: id}, true, nil
}
