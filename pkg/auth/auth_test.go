package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iotdm-go-sdk/pkg/config"
)

func TestCredentials(t *testing.T) {
	t.Run("Device", func(t *testing.T) {
		c := DeviceCredentials("org1", "sensor", "s1", "tok")
		assert.Equal(t, &Credentials{ClientID: "d:org1:sensor:s1", Username: TokenUsername, Password: "tok"}, c)
	})

	t.Run("Gateway", func(t *testing.T) {
		c := GatewayCredentials("org1", "gw", "g1", "tok")
		assert.Equal(t, "g:org1:gw:g1", c.ClientID)
		assert.Equal(t, TokenUsername, c.Username)
	})

	t.Run("Application", func(t *testing.T) {
		c := ApplicationCredentials("org1", "dash", "a-org1-key", "apitoken")
		assert.Equal(t, &Credentials{ClientID: "a:org1:dash", Username: "a-org1-key", Password: "apitoken"}, c)
	})

	t.Run("Quickstart", func(t *testing.T) {
		c := DeviceCredentials(config.QuickstartOrg, "sensor", "s1", "")
		assert.Equal(t, &Credentials{ClientID: "d:quickstart:sensor:s1"}, c)
	})
}

func TestGenerateMQTTCredentials(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Identity = config.IdentityConfig{OrgID: "o", TypeID: "t", DeviceID: "d"}
	cfg.Auth.Token = "tok"
	assert.Equal(t, "d:o:t:d", GenerateMQTTCredentials(cfg).ClientID)

	cfg.Identity.Gateway = true
	assert.Equal(t, "g:o:t:d", GenerateMQTTCredentials(cfg).ClientID)

	cfg.MQTT.ClientID = "custom"
	creds := GenerateMQTTCredentials(cfg)
	assert.Equal(t, "custom", creds.ClientID)
	assert.Equal(t, "tok", creds.Password)
}
