// Package evtests holds the behavioural suites every persistence provider
// and publisher runs against itself. Adapter tests call them with a factory
// that returns a fresh, isolated backend per invocation:
//
//	func TestProvider(t *testing.T) {
//	    evtests.RunProviderSuite(t, func(t *testing.T) evstore.PersistenceProvider {
//	        return newIsolatedProvider(t)
//	    })
//	}
package evtests
