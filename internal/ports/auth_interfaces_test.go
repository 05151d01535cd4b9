package ports_test

import (
	"testing"

	"github.com/target/stockroom/internal/adapters/memory"
	"github.com/target/stockroom/internal/mocks"
	mockauth "github.com/target/stockroom/internal/mocks/auth"
	mockrealtime "github.com/target/stockroom/internal/mocks/realtime"
	"github.com/target/stockroom/internal/ports"
)

// This test only verifies that our doubles conform to the ports at compile time.
func TestMocksImplementPorts(t *testing.T) {
	t.Helper()

	var _ ports.IdentityProvider = (*mockauth.FakeIdentityProvider)(nil)
	var _ ports.SessionStore = (*mockauth.MemorySessionStore)(nil)
	var _ ports.KeyValueStore = (*memory.KeyValueStore)(nil)
	var _ ports.ProfileRepository = (*mocks.MockProfileRepository)(nil)
	var _ ports.PersonRepository = (*mocks.MockPersonRepository)(nil)
	var _ ports.KeyValueStore = (*mocks.MockKeyValueStore)(nil)
	var _ ports.RealtimeClient = (*mockrealtime.FakeClient)(nil)
	var _ ports.RealtimeChannel = (*mockrealtime.FakeChannel)(nil)
}
