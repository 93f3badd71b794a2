package config

// Credentials returns the startup API key and access token. Empty strings
// mean the relay waits for credentials to arrive over HTTP.
func (k *KiteConfig) Credentials() (apiKey, accessToken string) {
	if k.CredentialsSource == "ssm" {
		return getParameterStoreValue(k.SSMAPIKeyParam, true),
			getParameterStoreValue(k.SSMTokenParam, true)
	}
	return k.APIKey, k.AccessToken
}
