package oauth

// WorkspaceContext is the state payload for integrations installed into a
// workspace by a user.
type WorkspaceContext struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

// Credentials holds client credentials and the callback URL for a built-in provider.
type Credentials struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	RedirectURL  string `yaml:"redirect_url" json:"redirect_url"`
}

// Bitly returns the Bitly provider config used for link imports.
func Bitly(c Credentials) Config {
	return Config{
		Name:         "bitly",
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      "https://bitly.com/oauth/authorize",
		TokenURL:     "https://api-ssl.bitly.com/oauth/access_token",
		RedirectURL:  c.RedirectURL,
		StatePrefix:  "import:bitly:state",
		BodyFormat:   BodyForm,
		ClientAuth:   ClientAuthBody,
	}
}

// HubSpot returns the HubSpot CRM integration config.
func HubSpot(c Credentials) Config {
	return Config{
		Name:         "hubspot",
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      "https://app.hubspot.com/oauth/authorize",
		TokenURL:     "https://api.hubapi.com/oauth/v1/token",
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{"oauth", "crm.objects.contacts.read", "crm.objects.contacts.write", "crm.objects.deals.read", "crm.objects.deals.write"},
		StatePrefix:  "hubspot:install:state",
		BodyFormat:   BodyForm,
		ClientAuth:   ClientAuthBody,
	}
}

// Slack returns the Slack app install config.
func Slack(c Credentials) Config {
	return Config{
		Name:         "slack",
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AuthURL:      "https://slack.com/oauth/v2/authorize",
		TokenURL:     "https://slack.com/api/oauth.v2.access",
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{"incoming-webhook", "commands", "chat:write"},
		StatePrefix:  "slack:install:state",
		BodyFormat:   BodyForm,
		ClientAuth:   ClientAuthHeader,
	}
}
