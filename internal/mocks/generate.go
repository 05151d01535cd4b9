// Package mocks provides mock implementations for testing the stockroom session layer.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our port interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	profiles := mocks.NewMockProfileRepository(ctrl)
//	profiles.EXPECT().GetProfile(gomock.Any(), "user-1").Return(profile, nil)
package mocks

// Generate mock for ProfileRepository interface from internal/ports package.
// This creates MockProfileRepository with methods for all ProfileRepository interface methods:
// GetProfile
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=profile_repository_mock.go github.com/target/stockroom/internal/ports ProfileRepository

// Generate mock for PersonRepository interface from internal/ports package.
// This creates MockPersonRepository with methods for all PersonRepository interface methods:
// GetPerson
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=person_repository_mock.go github.com/target/stockroom/internal/ports PersonRepository

// Generate mock for KeyValueStore interface from internal/ports package.
// This creates MockKeyValueStore with methods for all KeyValueStore interface methods:
// Get, Set, Delete
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=key_value_store_mock.go github.com/target/stockroom/internal/ports KeyValueStore

// Generate mock for IdentityProvider interface from internal/ports package.
// This creates MockIdentityProvider with methods for all IdentityProvider interface methods:
// CurrentSession, ExchangeCredentials, EndSession, Listen
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=identity_provider_mock.go github.com/target/stockroom/internal/ports IdentityProvider
