package engagement

import (
	"context"

	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/masking"
)

// Contact holds the raw contact details of a business listing.
type Contact struct {
	Email string
	Phone string
}

// ContactReader loads raw contact details. Missing listings return ErrNotFound.
type ContactReader interface {
	Contact(ctx context.Context, resourceID string) (Contact, error)
}

// ContactView is a contact as a given capability may see it.
type ContactView struct {
	Email masking.Field `json:"email"`
	Phone masking.Field `json:"phone"`
}

// RevealContact masks the contact unless c may view it.
func RevealContact(c capability.Capability, contact Contact) ContactView {
	return ContactView{
		Email: masking.Reveal(c, contact.Email, masking.KindEmail),
		Phone: masking.Reveal(c, contact.Phone, masking.KindPhone),
	}
}
