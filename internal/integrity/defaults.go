package integrity

import "github.com/brolab/datasync/internal/record"

// Resource types with default rule sets.
const (
	TypeUsers        = "users"
	TypeOrders       = "orders"
	TypeProducts     = "products"
	TypeReservations = "reservations"
)

// Reservation statuses accepted by the default rule set.
var reservationStatuses = map[string]bool{
	"pending":   true,
	"confirmed": true,
	"completed": true,
	"cancelled": true,
}

// registerDefaults installs the baseline rules for the core resource families.
func registerDefaults(e *Engine) {
	e.AddRule(TypeUsers, Rule{
		Name:        "user_has_identifier",
		Description: "user record must carry a non-empty id",
		Severity:    SeverityHigh,
		Validate: func(r record.Record) (bool, error) {
			return nonEmptyString(r["id"]) || nonEmptyString(r["clerk_id"]), nil
		},
	})
	e.AddRule(TypeUsers, Rule{
		Name:        "user_has_email",
		Description: "user record must carry a non-empty email",
		Severity:    SeverityHigh,
		Validate: func(r record.Record) (bool, error) {
			return nonEmptyString(r["email"]), nil
		},
	})

	e.AddRule(TypeOrders, Rule{
		Name:        "order_has_items",
		Description: "order must contain at least one item",
		Severity:    SeverityHigh,
		Validate: func(r record.Record) (bool, error) {
			items, ok := r["items"].([]any)
			return ok && len(items) > 0, nil
		},
	})

	e.AddRule(TypeProducts, Rule{
		Name:        "product_has_name",
		Description: "product must carry a non-empty name",
		Severity:    SeverityMedium,
		Validate: func(r record.Record) (bool, error) {
			return nonEmptyString(r["name"]) || nonEmptyString(r["title"]), nil
		},
	})

	e.AddRule(TypeReservations, Rule{
		Name:        "reservation_status_known",
		Description: "reservation status must be one of pending/confirmed/completed/cancelled",
		Severity:    SeverityMedium,
		Validate: func(r record.Record) (bool, error) {
			s, ok := r["status"].(string)
			return ok && reservationStatuses[s], nil
		},
		Repair: func(r record.Record) (record.Record, error) {
			out := record.Clone(r)
			out["status"] = "pending"
			return out, nil
		},
	})
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}
