package topology

import (
	"errors"
	"fmt"

	"github.com/couchbase/gocbcore/v10/memd"
)

var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrBootstrapFailed    = errors.New("failed to bootstrap from any seed")
	ErrBucketTypeMismatch = errors.New("bucket type does not match server configuration")
	ErrInvalidNode        = errors.New("invalid node")
	ErrTopologyClosed     = errors.New("topology closed")
	ErrNoKvService        = errors.New("node does not offer the data service")
	ErrNodeClosed         = errors.New("node closed")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrScopeNotFound      = errors.New("scope not found")
	ErrCollectionNotFound = errors.New("collection not found")
)

// ServiceNotAvailableError indicates that no node in the cluster offers a
// cluster-wide service.
type ServiceNotAvailableError struct {
	Service ServiceType
}

func (e *ServiceNotAvailableError) Error() string {
	return fmt.Sprintf("service %s is not available on any node", e.Service)
}

// ServiceMissingError indicates that no node serving a particular bucket
// offers a bucket-scoped service.
type ServiceMissingError struct {
	Service ServiceType
	Bucket  string
}

func (e *ServiceMissingError) Error() string {
	return fmt.Sprintf("service %s is missing for bucket %s", e.Service, e.Bucket)
}

type statusError interface {
	error
	Status() memd.StatusCode
}

func errorStatus(err error) (memd.StatusCode, bool) {
	var sErr statusError
	if errors.As(err, &sErr) {
		return sErr.Status(), true
	}
	return 0, false
}

func isStatusError(err error, status memd.StatusCode) bool {
	errStatus, ok := errorStatus(err)
	return ok && errStatus == status
}

func isAuthError(err error) bool {
	return isStatusError(err, memd.StatusAuthError)
}
