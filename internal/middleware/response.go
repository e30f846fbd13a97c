package middleware

import apierrors "github.com/ruvnet/crdtsync/internal/errors"

// response is the envelope HTTP middleware uses to report errors.
type response struct {
	Success bool                 `json:"success"`
	Error   *apierrors.APIError  `json:"error,omitempty"`
}
