package cache

// Nop is a Cache that never stores anything. Configuring it turns off
// index-write caching in providers.
type Nop struct{}

func (n *Nop) Get(string) (any, bool) { return nil, false }
func (n *Nop) Put(string, any)        {}

func NewNop() *Nop { return &Nop{} }

var _ Cache = (*Nop)(nil)
