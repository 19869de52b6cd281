package cart

const (
	Collection = "carts"
	OwnerField = "userId"
)

// Entry is one (user, product) pair in a cart. Entries are deleted, not
// archived, once consumed by checkout.
type Entry struct {
	ID        string
	UserID    string
	ProductID string
	Quantity  int
}

func (e Entry) Fields() map[string]any {
	return map[string]any{
		"userId":    e.UserID,
		"productId": e.ProductID,
		"quantity":  int64(e.Quantity),
	}
}
