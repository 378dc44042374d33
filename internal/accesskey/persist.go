package accesskey

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shadowsocks/go-shadowsocks2/core"

	"ssmanager/internal/jsonfile"
	"ssmanager/internal/portalloc"
)

// record is one key as stored on disk. Field names match the outline
// shadowbox key file so existing state can be read unchanged.
type record struct {
	ID                 string     `json:"id"`
	MetricsID          string     `json:"metricsId"`
	Name               string     `json:"name"`
	Port               int        `json:"port"`
	EncryptionMethod   string     `json:"encryptionMethod"`
	Password           string     `json:"password"`
	DataLimit          *DataLimit `json:"dataLimit,omitempty"`
	DisabledByOperator bool       `json:"disabledByOperator,omitempty"`
	OverQuota          bool       `json:"overQuota,omitempty"`
}

type keyFile struct {
	AccessKeys        []record `json:"accessKeys"`
	NextID            int      `json:"nextId"`
	RetiredMetricsIDs []string `json:"retiredMetricsIds,omitempty"`
}

// state is the committed view of the store. Mutations work on a clone.
type state struct {
	keys    map[string]AccessKey
	nextID  int
	retired map[string]struct{}
}

func newState() *state {
	return &state{
		keys:    make(map[string]AccessKey),
		retired: make(map[string]struct{}),
	}
}

func (s *state) clone() *state {
	c := &state{
		keys:    make(map[string]AccessKey, len(s.keys)),
		nextID:  s.nextID,
		retired: make(map[string]struct{}, len(s.retired)),
	}
	for id, k := range s.keys {
		c.keys[id] = k.clone()
	}
	for m := range s.retired {
		c.retired[m] = struct{}{}
	}
	return c
}

func (s *state) sorted() []AccessKey {
	out := make([]AccessKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k.clone())
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out
}

func (s *state) metricsIDTaken(id string) bool {
	if _, ok := s.retired[id]; ok {
		return true
	}
	for _, k := range s.keys {
		if k.MetricsID == id {
			return true
		}
	}
	return false
}

func (s *state) toFile() keyFile {
	keys := s.sorted()
	f := keyFile{
		AccessKeys: make([]record, 0, len(keys)),
		NextID:     s.nextID,
	}
	for _, k := range keys {
		f.AccessKeys = append(f.AccessKeys, record{
			ID:                 k.ID,
			MetricsID:          k.MetricsID,
			Name:               k.Name,
			Port:               k.Port,
			EncryptionMethod:   k.Cipher,
			Password:           k.Secret,
			DataLimit:          k.DataLimit,
			DisabledByOperator: k.DisabledByOperator,
			OverQuota:          k.OverQuota,
		})
	}
	for m := range s.retired {
		f.RetiredMetricsIDs = append(f.RetiredMetricsIDs, m)
	}
	sort.Strings(f.RetiredMetricsIDs)
	return f
}

// loadState reads and migrates the key file. dirty reports that migration
// changed something and the file should be rewritten.
func loadState(path string, newMetricsID func() string) (st *state, dirty bool, err error) {
	var f keyFile
	if _, err := jsonfile.Load(path, &f); err != nil {
		return nil, false, err
	}

	st = newState()
	st.nextID = f.NextID
	for _, m := range f.RetiredMetricsIDs {
		st.retired[m] = struct{}{}
	}

	ports := make(map[int]string)
	for i, r := range f.AccessKeys {
		if r.ID == "" {
			return nil, false, fmt.Errorf("access key #%d has no id", i)
		}
		if _, dup := st.keys[r.ID]; dup {
			return nil, false, fmt.Errorf("duplicate access key id %q", r.ID)
		}
		if r.Port < portalloc.MinPort || r.Port > portalloc.MaxPort {
			return nil, false, fmt.Errorf("access key %q: port %d out of range", r.ID, r.Port)
		}
		if other, dup := ports[r.Port]; dup {
			return nil, false, fmt.Errorf("access keys %q and %q share port %d", other, r.ID, r.Port)
		}
		if err := validateCipher(r.EncryptionMethod, r.Password); err != nil {
			return nil, false, fmt.Errorf("access key %q: %w", r.ID, err)
		}
		if r.DataLimit != nil && r.DataLimit.Bytes < 0 {
			return nil, false, fmt.Errorf("access key %q: negative data limit", r.ID)
		}
		ports[r.Port] = r.ID

		k := AccessKey{
			ID:                 r.ID,
			MetricsID:          r.MetricsID,
			Name:               r.Name,
			Port:               r.Port,
			Cipher:             r.EncryptionMethod,
			Secret:             r.Password,
			DataLimit:          r.DataLimit,
			DisabledByOperator: r.DisabledByOperator,
			OverQuota:          r.OverQuota,
		}
		if k.MetricsID == "" {
			k.MetricsID = uniqueMetricsID(st, newMetricsID)
			dirty = true
		} else if st.metricsIDTaken(k.MetricsID) {
			return nil, false, fmt.Errorf("access key %q: metrics id already used", r.ID)
		}
		st.keys[k.ID] = k

		if n, err := strconv.Atoi(k.ID); err == nil && n >= st.nextID {
			st.nextID = n + 1
			dirty = true
		}
	}
	return st, dirty, nil
}

func uniqueMetricsID(st *state, gen func() string) string {
	for {
		id := gen()
		if !st.metricsIDTaken(id) {
			return id
		}
	}
}

func validateCipher(cipher, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: empty secret", ErrInvalidCipher)
	}
	if strings.EqualFold(cipher, "dummy") {
		return fmt.Errorf("%w: %s", ErrInvalidCipher, cipher)
	}
	if _, err := core.PickCipher(cipher, nil, secret); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCipher, cipher, err)
	}
	return nil
}
