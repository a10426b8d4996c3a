package domain

import "time"

// Account holds what is needed to trade on behalf of one wallet.
type Account struct {
	Label      string `yaml:"label"`
	Address    string `yaml:"address"`
	EncodedKey string `yaml:"encoded_key"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Proxy      string `yaml:"proxy"`
}

// Identity is the key two sessions must never share concurrently.
func (a Account) Identity() string {
	return a.Address
}

// QueueEntry is one pending unit of work in the account queue.
type QueueEntry struct {
	ID        int64
	Account   Account
	Mode      int
	CreatedAt time.Time
}
