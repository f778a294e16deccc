package config

import (
	"fmt"
	"io"
	"net/url"
	"slices"

	"github.com/BurntSushi/toml"
)

const redacted = "***"

// Redacted returns a copy of c with every credential masked. Slices are
// cloned so the copy can be handed around freely.
func (c *Config) Redacted() Config {
	out := *c
	for _, s := range []*string{
		&out.Upbit.AccessKey, &out.Upbit.SecretKey,
		&out.Bybit.APIKey, &out.Bybit.APISecret,
		&out.Postgres.Password, &out.Redis.Password,
		&out.S3.AccessKey, &out.S3.SecretKey,
		&out.Crypto.CredentialPassphrase, &out.Server.APIKey,
		&out.Notify.TelegramToken, &out.Notify.DiscordWebhookURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	out.Postgres.DSN = redactURL(c.Postgres.DSN)
	out.Redis.Addr = redactURL(c.Redis.Addr)

	out.Notify.Events = slices.Clone(c.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(c.Server.CORSOrigins)
	out.Pairs = slices.Clone(c.Pairs)
	out.Pricing.Grid = slices.Clone(c.Pricing.Grid)
	return out
}

// WriteRedacted encodes the redacted configuration as TOML.
func (c *Config) WriteRedacted(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c.Redacted()); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}

// redactURL masks the password of URL-form values and leaves the host
// readable. Values that are not URLs with a password are returned as is,
// except key=value DSNs, which are masked whole.
func redactURL(v string) string {
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" {
		if v != "" && !isHostPort(v) {
			return redacted
		}
		return v
	}
	return u.Redacted()
}

func isHostPort(v string) bool {
	u, err := url.Parse("//" + v)
	return err == nil && u.Host == v
}
