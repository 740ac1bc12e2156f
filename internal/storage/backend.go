package storage

// Collection names one of the independently persisted document collections.
// Each is a plain ordered list of flat records; there are no cross-collection
// transactions.
type Collection string

const (
	CollectionPartnerships  Collection = "partnerships"
	CollectionUsers         Collection = "users"
	CollectionAllowedEmails Collection = "allowed-emails"
)

// Backend loads and saves one collection at a time. Save overwrites the full
// collection; there is no incremental diff or versioning. Load reports found
// = false when the collection has never been persisted, which is not an
// error.
type Backend interface {
	Load(collection Collection, out any) (found bool, err error)
	Save(collection Collection, value any) error
}
