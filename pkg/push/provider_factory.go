package push

import (
	"fmt"

	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"

	"skillswap-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock     ProviderType = "mock"
	ProviderTypeFirebase ProviderType = "firebase"
	ProviderTypeAPNs     ProviderType = "apns"
)

// NewProvider creates the push provider named by providerType. The Firebase
// provider reuses app; APNs needs apnsConfig.
func NewProvider(providerType ProviderType, app *firebase.App, apnsConfig *APNsConfig) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFirebase:
		if app == nil {
			return nil, fmt.Errorf("firebase push provider requires an initialized Firebase app")
		}
		return NewFCMProviderFromApp(app), nil
	case ProviderTypeAPNs:
		return NewAPNsProvider(apnsConfig)
	case ProviderTypeMock:
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(providerType)))
		return &MockProvider{}, nil
	}
}
