package auth

import (
	"fmt"

	"github.com/iotdm-go-sdk/pkg/config"
)

// TokenUsername is the fixed MQTT username of token authenticated devices and gateways.
const TokenUsername = "use-token-auth"

type Credentials struct {
	ClientID string
	Username string
	Password string
}

// DeviceCredentials returns the credentials of a device: client id
// d:{org}:{type}:{id}. Quickstart devices connect without a password.
func DeviceCredentials(orgID, typeID, deviceID, token string) *Credentials {
	return tokenCredentials(fmt.Sprintf("d:%s:%s:%s", orgID, typeID, deviceID), orgID, token)
}

// GatewayCredentials returns the credentials of a gateway: client id g:{org}:{type}:{id}.
func GatewayCredentials(orgID, typeID, deviceID, token string) *Credentials {
	return tokenCredentials(fmt.Sprintf("g:%s:%s:%s", orgID, typeID, deviceID), orgID, token)
}

// ApplicationCredentials returns the credentials of an application: client id
// a:{org}:{appId}, authenticated with an API key and its token.
func ApplicationCredentials(orgID, appID, apiKey, token string) *Credentials {
	return &Credentials{
		ClientID: fmt.Sprintf("a:%s:%s", orgID, appID),
		Username: apiKey,
		Password: token,
	}
}

func tokenCredentials(clientID, orgID, token string) *Credentials {
	if orgID == config.QuickstartOrg {
		return &Credentials{ClientID: clientID}
	}
	return &Credentials{
		ClientID: clientID,
		Username: TokenUsername,
		Password: token,
	}
}

// GenerateMQTTCredentials derives the device or gateway credentials from cfg.
// An explicit MQTT client id overrides the derived one.
func GenerateMQTTCredentials(cfg *config.Config) *Credentials {
	id := cfg.Identity
	var creds *Credentials
	if id.Gateway {
		creds = GatewayCredentials(id.OrgID, id.TypeID, id.DeviceID, cfg.Auth.Token)
	} else {
		creds = DeviceCredentials(id.OrgID, id.TypeID, id.DeviceID, cfg.Auth.Token)
	}
	if cfg.MQTT.ClientID != "" {
		creds.ClientID = cfg.MQTT.ClientID
	}
	return creds
}
