package resource

// Name identifies a shared resource. The set is closed.
type Name string

const (
	NameConfig  Name = "config"
	NameAsset   Name = "asset"
	NameStorage Name = "storage"
	NameClient  Name = "client"
)

// Names returns every resource name.
func Names() []Name {
	return []Name{NameConfig, NameAsset, NameStorage, NameClient}
}

// Valid reports whether n is one of the known resources.
func (n Name) Valid() bool {
	switch n {
	case NameConfig, NameAsset, NameStorage, NameClient:
		return true
	}
	return false
}

func (n Name) String() string { return string(n) }
