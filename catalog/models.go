package catalog

// DefaultProductIDs is the storefront's product list in display order.
var DefaultProductIDs = []string{"adjustments", "template2", "template3", "template4"}

// LoadErrorMessage is the message shown for any failed fetch.
const LoadErrorMessage = "Failed to load products"

// LoadState reflects the most recent catalog fetch. The variants are Empty,
// Loading, Loaded and LoadError.
type LoadState interface {
	loadState()
	String() string
}

type Empty struct{}

type Loading struct{}

type Loaded struct{}

// LoadError carries the user-facing message of a failed fetch.
type LoadError struct {
	Message string
}

func (Empty) loadState()     {}
func (Loading) loadState()   {}
func (Loaded) loadState()    {}
func (LoadError) loadState() {}

func (Empty) String() string     { return "empty" }
func (Loading) String() string   { return "loading" }
func (Loaded) String() string    { return "loaded" }
func (LoadError) String() string { return "error" }
