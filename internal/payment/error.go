package payment

import "errors"

var (
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrBadPayload marks a structurally unparseable webhook body, the one
	// case the ingress answers with 400.
	ErrBadPayload = errors.New("unparseable webhook payload")
)
