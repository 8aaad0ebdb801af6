// Package vbucket maps keys to servers through a virtual-bucket hash
// map and loads the cluster layout from the REST configuration
// endpoint.
package vbucket

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// ConfigProvider is the narrow view the request pipeline needs: the
// server list, the bucket credentials and the key→server mapping.
type ConfigProvider interface {
	NumServers() int
	Server(i int) string
	User() string
	Password() string
	NumVBuckets() int
	// VBucketByKey returns the vbucket id for key and the index of the
	// server currently active for that vbucket. server is -1 when the
	// map has no active server.
	VBucketByKey(key []byte) (vbid uint16, server int)
}

// serverMap mirrors the "vBucketServerMap" JSON object.
type serverMap struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

// bucketEnvelope mirrors the bucket document returned by the REST API.
type bucketEnvelope struct {
	Name            string    `json:"name"`
	SASLPassword    string    `json:"saslPassword"`
	VBucketServerMap serverMap `json:"vBucketServerMap"`
}

// Config is a parsed, immutable cluster layout.
type Config struct {
	servers  []string
	vbmap    [][]int
	user     string
	password string
}

var (
	ErrNoServers  = errors.New("vbucket: config has no servers")
	ErrNoVBuckets = errors.New("vbucket: config has no vbucket map")
)

// Parse decodes either a bucket document (REST response) or a bare
// vBucketServerMap object. user and password override any credentials
// present in the document; pass "" to keep the document's values.
func Parse(data []byte, user, password string) (*Config, error) {
	var env bucketEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("vbucket: parse config: %w", err)
	}
	sm := env.VBucketServerMap
	if len(sm.ServerList) == 0 {
		// Not an envelope; try the bare map.
		if err := json.Unmarshal(data, &sm); err != nil {
			return nil, fmt.Errorf("vbucket: parse config: %w", err)
		}
	}
	if len(sm.ServerList) == 0 {
		return nil, ErrNoServers
	}
	if len(sm.VBucketMap) == 0 {
		return nil, ErrNoVBuckets
	}
	for i, row := range sm.VBucketMap {
		if len(row) == 0 {
			return nil, fmt.Errorf("vbucket: vbucket %d has no servers", i)
		}
		if row[0] >= len(sm.ServerList) {
			return nil, fmt.Errorf("vbucket: vbucket %d names unknown server %d", i, row[0])
		}
	}
	if user == "" {
		user = env.Name
	}
	if password == "" {
		password = env.SASLPassword
	}
	return &Config{
		servers:  sm.ServerList,
		vbmap:    sm.VBucketMap,
		user:     user,
		password: password,
	}, nil
}

// NewStatic builds a config directly from a server list with vbuckets
// spread round-robin. Intended for tests and single-node setups.
func NewStatic(servers []string, numVBuckets int, user, password string) *Config {
	vbmap := make([][]int, numVBuckets)
	for i := range vbmap {
		vbmap[i] = []int{i % len(servers)}
	}
	return &Config{servers: servers, vbmap: vbmap, user: user, password: password}
}

func (c *Config) NumServers() int    { return len(c.servers) }
func (c *Config) Server(i int) string { return c.servers[i] }
func (c *Config) User() string       { return c.user }
func (c *Config) Password() string   { return c.password }
func (c *Config) NumVBuckets() int   { return len(c.vbmap) }

// VBucketByKey hashes key with CRC32 and folds it onto the vbucket
// map. The fold keeps the upper half-word, matching the CRC variant the
// cluster uses for its own key distribution.
func (c *Config) VBucketByKey(key []byte) (uint16, int) {
	sum := crc32.ChecksumIEEE(key)
	vbid := uint16(((sum >> 16) & 0x7fff) % uint32(len(c.vbmap)))
	row := c.vbmap[vbid]
	if len(row) == 0 || row[0] < 0 {
		return vbid, -1
	}
	return vbid, row[0]
}
