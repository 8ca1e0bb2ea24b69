// Package events dispatches stage lifecycle events to prioritized listeners
// and fans out lifecycle notifications to streaming subscribers.
package events

// Kind identifies a lifecycle event.
type Kind string

const (
	PreCreate           Kind = "pre_create"
	PostCreate          Kind = "post_create"
	PreRequire          Kind = "pre_require"
	PostRequire         Kind = "post_require"
	PreApply            Kind = "pre_apply"
	PostApply           Kind = "post_apply"
	PreDestroy          Kind = "pre_destroy"
	PostDestroy         Kind = "post_destroy"
	StatusCheck         Kind = "status_check"
	CollectIgnoredPaths Kind = "collect_ignored_paths"
)

// AllKinds lists every kind in lifecycle order.
var AllKinds = []Kind{
	PreCreate, PostCreate,
	PreRequire, PostRequire,
	PreApply, PostApply,
	PreDestroy, PostDestroy,
	StatusCheck, CollectIgnoredPaths,
}

// ValidationKinds are the kinds whose listeners contribute validation results.
var ValidationKinds = AllKinds[:9]

func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is anything the Dispatcher can deliver.
type Event interface {
	Kind() Kind
}
