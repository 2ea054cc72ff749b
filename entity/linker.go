// Package entity resolves free-text subject names from extracted memories
// to canonical business-entity identifiers.
package entity

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sellscope/memorypg/types"
)

// Entity type names passed to the lookup collaborator.
const (
	TypeDeal    = "deal"
	TypeContact = "contact"
	TypeCompany = "company"
)

// Lookup is the external collaborator that finds an entity by
// case-insensitive substring match scoped to a user. A miss returns
// (nil, nil).
type Lookup interface {
	FindByNameSubstring(ctx context.Context, userID uuid.UUID, entityType, text string) (*uuid.UUID, error)
}

// Linker attaches entity identifiers to extracted memories. The first
// match wins; there is no ranking among multiple candidates. A failed or
// empty lookup leaves the link nil, never an error.
type Linker struct {
	lookup Lookup
}

// NewLinker creates a Linker over the given lookup collaborator.
func NewLinker(lookup Lookup) *Linker {
	return &Linker{lookup: lookup}
}

// Link resolves whichever of deal/contact/company names are present on the
// extracted memory. The lookups are independent and read-only, so they are
// issued concurrently.
func (l *Linker) Link(ctx context.Context, userID uuid.UUID, extracted types.ExtractedMemory) types.MemoryInput {
	input := types.MemoryInput{
		Category:   extracted.Category,
		Subject:    extracted.Subject,
		Content:    extracted.Content,
		Confidence: extracted.Confidence,
	}

	if l.lookup == nil {
		return input
	}

	var wg sync.WaitGroup
	resolve := func(entityType, name string, dst **uuid.UUID) {
		if name == "" {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := l.lookup.FindByNameSubstring(ctx, userID, entityType, name)
			if err != nil {
				// Absence of a link is acceptable; linking never fails
				// the extraction pass.
				return
			}
			*dst = id
		}()
	}

	resolve(TypeDeal, extracted.DealName, &input.DealID)
	resolve(TypeContact, extracted.ContactName, &input.ContactID)
	resolve(TypeCompany, extracted.CompanyName, &input.CompanyID)
	wg.Wait()

	return input
}
