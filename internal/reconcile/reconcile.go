// Package reconcile migrates the stored values of a field after its
// encrypted flag changes, so every value converges to the declared scheme.
package reconcile

import (
	"fmt"

	"github.com/atinyakov/fieldkeeper/internal/models"
	"go.uber.org/multierr"
)

// Cipher is the symmetric encryption primitive used for the migration.
type Cipher interface {
	// Encrypt seals plaintext with the current scheme.
	Encrypt(plaintext string) (payload string, scheme models.Scheme, err error)
	// Decrypt opens a payload written with scheme.
	Decrypt(payload string, iv []byte, scheme models.Scheme) (string, error)
}

// Update is the new state of one stored value. The IV is always cleared.
type Update struct {
	ValueID int64
	Payload string
	Scheme  models.Scheme
}

// Failure records a value the cipher could not migrate. The value keeps its
// previous payload and scheme.
type Failure struct {
	ValueID int64
	Err     error
}

// Result is the outcome of one reconciliation batch.
type Result struct {
	FieldID   int64
	Updates   []Update
	Failures  []Failure
	Unchanged int
}

// Err combines every per-value failure, or returns nil.
func (r Result) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, fmt.Errorf("value %d: %w", f.ValueID, f.Err))
	}
	return err
}

// Target returns the scheme values of a field must carry for the given flag.
func Target(encrypted bool) models.Scheme {
	if encrypted {
		return models.SchemeCurrent
	}
	return models.SchemeNone
}

// Reconcile computes the updates that bring every value of fieldID to the
// scheme matching encrypted. Values owned by other fields are ignored. A
// cipher error on one value is recorded and the remaining values are still
// processed.
func Reconcile(fieldID int64, encrypted bool, values []models.StoredValue, c Cipher) Result {
	res := Result{FieldID: fieldID}
	for _, v := range values {
		if v.FieldID != fieldID {
			continue
		}
		upd, changed, err := migrate(v, encrypted, c)
		switch {
		case err != nil:
			res.Failures = append(res.Failures, Failure{ValueID: v.ID, Err: err})
		case changed:
			res.Updates = append(res.Updates, upd)
		default:
			res.Unchanged++
		}
	}
	return res
}

func migrate(v models.StoredValue, encrypted bool, c Cipher) (Update, bool, error) {
	switch {
	case !encrypted && v.Scheme != models.SchemeNone:
		plain, err := c.Decrypt(v.Payload, v.IV, v.Scheme)
		if err != nil {
			return Update{}, false, fmt.Errorf("decrypt %s: %w", v.Scheme, err)
		}
		return Update{ValueID: v.ID, Payload: plain, Scheme: models.SchemeNone}, true, nil

	case encrypted && v.Scheme != models.SchemeCurrent:
		plain := v.Payload
		if v.Scheme != models.SchemeNone {
			var err error
			plain, err = c.Decrypt(v.Payload, v.IV, v.Scheme)
			if err != nil {
				return Update{}, false, fmt.Errorf("decrypt %s: %w", v.Scheme, err)
			}
		}
		payload, scheme, err := c.Encrypt(plain)
		if err != nil {
			return Update{}, false, fmt.Errorf("encrypt: %w", err)
		}
		return Update{ValueID: v.ID, Payload: payload, Scheme: scheme}, true, nil
	}
	return Update{}, false, nil
}
