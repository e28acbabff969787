package domain

import (
	"sort"
	"time"
)

// AccessLevel orders the permission a user can hold on a sample.
type AccessLevel int

// Access levels from weakest to strongest.
const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessAdmin
	AccessOwner
)

func (l AccessLevel) String() string {
	switch l {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAdmin:
		return "admin"
	case AccessOwner:
		return "owner"
	}
	return "unknown"
}

func normalizeUsers(users []UserID) []UserID {
	if len(users) == 0 {
		return nil
	}
	seen := make(map[UserID]struct{}, len(users))
	out := make([]UserID, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func userSet(users []UserID) map[UserID]struct{} {
	set := make(map[UserID]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	return set
}

func checkDisjoint(lists map[string][]UserID) error {
	assigned := make(map[UserID]string)
	for _, name := range []string{"admin", "write", "read", "remove"} {
		users, ok := lists[name]
		if !ok {
			continue
		}
		for _, u := range users {
			if prior, dup := assigned[u]; dup {
				return Errorf(CodeIllegalParameter,
					"user %s appears in both the %s and %s access lists", u, prior, name)
			}
			assigned[u] = name
		}
	}
	return nil
}

// ACLOwnerless holds the admin/write/read lists and the public read flag for
// a sample, without the owner. Lists are de-duplicated, sorted, and mutually
// disjoint.
type ACLOwnerless struct {
	Admin      []UserID `json:"admin"`
	Write      []UserID `json:"write"`
	Read       []UserID `json:"read"`
	PublicRead bool     `json:"public_read"`
}

// NewACLOwnerless validates and builds an ownerless ACL.
func NewACLOwnerless(admin, write, read []UserID, publicRead bool) (ACLOwnerless, error) {
	a, w, r := normalizeUsers(admin), normalizeUsers(write), normalizeUsers(read)
	if err := checkDisjoint(map[string][]UserID{"admin": a, "write": w, "read": r}); err != nil {
		return ACLOwnerless{}, err
	}
	return ACLOwnerless{Admin: a, Write: w, Read: r, PublicRead: publicRead}, nil
}

// ACL is a sample's full access control list: exactly one owner plus the
// ownerless lists and the last-update timestamp.
type ACL struct {
	Owner      UserID    `json:"owner"`
	LastUpdate time.Time `json:"lastupdate"`
	ACLOwnerless
}

// NewACL validates and builds an ACL. The owner must not appear in any other
// list and the update timestamp must be set.
func NewACL(owner UserID, lastUpdate time.Time, ownerless ACLOwnerless) (ACL, error) {
	if owner == "" {
		return ACL{}, NewError(CodeMissingParameter, "owner")
	}
	if lastUpdate.IsZero() {
		return ACL{}, NewError(CodeMissingParameter, "lastupdate")
	}
	validated, err := NewACLOwnerless(ownerless.Admin, ownerless.Write, ownerless.Read, ownerless.PublicRead)
	if err != nil {
		return ACL{}, err
	}
	for _, list := range [][]UserID{validated.Admin, validated.Write, validated.Read} {
		for _, u := range list {
			if u == owner {
				return ACL{}, Errorf(CodeIllegalParameter,
					"the owner %s cannot appear in any other access list", owner)
			}
		}
	}
	return ACL{Owner: owner, LastUpdate: lastUpdate.UTC(), ACLOwnerless: validated}, nil
}

// Level returns the access level user holds under this ACL. Public read
// grants read to any user.
func (a ACL) Level(user UserID) AccessLevel {
	if user == a.Owner {
		return AccessOwner
	}
	if _, ok := userSet(a.Admin)[user]; ok {
		return AccessAdmin
	}
	if _, ok := userSet(a.Write)[user]; ok {
		return AccessWrite
	}
	if _, ok := userSet(a.Read)[user]; ok {
		return AccessRead
	}
	if a.PublicRead {
		return AccessRead
	}
	return AccessNone
}

// ACLDelta expresses a partial ACL update: users to add per level, users to
// remove entirely, an optional public read change, and the at-least flag.
// When AtLeast is set an existing higher permission is never downgraded.
type ACLDelta struct {
	Admin      []UserID `json:"admin,omitempty"`
	Write      []UserID `json:"write,omitempty"`
	Read       []UserID `json:"read,omitempty"`
	Remove     []UserID `json:"remove,omitempty"`
	PublicRead *bool    `json:"public_read,omitempty"`
	AtLeast    bool     `json:"at_least,omitempty"`
}

// NewACLDelta validates and builds a delta. A user may appear in at most one
// of the add lists, and the remove list must be disjoint from all of them.
func NewACLDelta(admin, write, read, remove []UserID, publicRead *bool, atLeast bool) (ACLDelta, error) {
	a, w, r := normalizeUsers(admin), normalizeUsers(write), normalizeUsers(read)
	rm := normalizeUsers(remove)
	if err := checkDisjoint(map[string][]UserID{"admin": a, "write": w, "read": r, "remove": rm}); err != nil {
		return ACLDelta{}, err
	}
	delta := ACLDelta{Admin: a, Write: w, Read: r, Remove: rm, AtLeast: atLeast}
	if publicRead != nil {
		p := *publicRead
		delta.PublicRead = &p
	}
	return delta, nil
}

// Users returns every user named anywhere in the delta.
func (d ACLDelta) Users() []UserID {
	var all []UserID
	all = append(all, d.Admin...)
	all = append(all, d.Write...)
	all = append(all, d.Read...)
	all = append(all, d.Remove...)
	return normalizeUsers(all)
}

// IsUpdate reports whether applying the delta would change any observable
// ACL state, ignoring the update timestamp. Storage uses it to skip no-op
// writes, avoiding timestamp churn and notification noise.
//
// Deltas that would alter the owner's own permission are rejected: the owner
// in the remove list always fails, and the owner in an add list fails unless
// AtLeast is set (AtLeast can never downgrade the owner, so it is harmless).
func (a ACL) IsUpdate(d ACLDelta) (bool, error) {
	removeSet := userSet(d.Remove)
	if _, ok := removeSet[a.Owner]; ok {
		return false, Errorf(CodeUnauthorized,
			"ACLs for the sample owner %s may not be modified by a delta update", a.Owner)
	}
	if !d.AtLeast {
		for _, list := range [][]UserID{d.Admin, d.Write, d.Read} {
			for _, u := range list {
				if u == a.Owner {
					return false, Errorf(CodeUnauthorized,
						"ACLs for the sample owner %s may not be modified by a delta update", a.Owner)
				}
			}
		}
	}

	adminSet, writeSet, readSet := userSet(a.Admin), userSet(a.Write), userSet(a.Read)
	for u := range removeSet {
		if _, ok := adminSet[u]; ok {
			return true, nil
		}
		if _, ok := writeSet[u]; ok {
			return true, nil
		}
		if _, ok := readSet[u]; ok {
			return true, nil
		}
	}
	if d.PublicRead != nil && *d.PublicRead != a.PublicRead {
		return true, nil
	}

	if d.AtLeast {
		// An addition only counts when it would actually raise a level.
		atLeastAdmin := func(u UserID) bool {
			if u == a.Owner {
				return true
			}
			_, ok := adminSet[u]
			return ok
		}
		for _, u := range d.Admin {
			if !atLeastAdmin(u) {
				return true, nil
			}
		}
		for _, u := range d.Write {
			if atLeastAdmin(u) {
				continue
			}
			if _, ok := writeSet[u]; !ok {
				return true, nil
			}
		}
		for _, u := range d.Read {
			if atLeastAdmin(u) {
				continue
			}
			if _, ok := writeSet[u]; ok {
				continue
			}
			if _, ok := readSet[u]; !ok {
				return true, nil
			}
		}
		return false, nil
	}

	// Exact semantics: any user not already at precisely the requested level
	// makes the delta an update.
	for _, u := range d.Admin {
		if _, ok := adminSet[u]; !ok {
			return true, nil
		}
	}
	for _, u := range d.Write {
		if _, ok := writeSet[u]; !ok {
			return true, nil
		}
	}
	for _, u := range d.Read {
		if _, ok := readSet[u]; !ok {
			return true, nil
		}
	}
	return false, nil
}

// Apply returns the ACL resulting from the delta at the given update time.
// The caller is expected to have consulted IsUpdate first; Apply itself
// rejects owner-affecting deltas with the same rules.
func (a ACL) Apply(d ACLDelta, updateTime time.Time) (ACL, error) {
	if _, err := a.IsUpdate(d); err != nil {
		return ACL{}, err
	}
	removeSet := userSet(d.Remove)
	targets := make(map[UserID]AccessLevel)
	current := make(map[UserID]AccessLevel)
	for _, u := range a.Admin {
		current[u] = AccessAdmin
	}
	for _, u := range a.Write {
		current[u] = AccessWrite
	}
	for _, u := range a.Read {
		current[u] = AccessRead
	}
	for u, lvl := range current {
		if _, rm := removeSet[u]; !rm {
			targets[u] = lvl
		}
	}
	assign := func(users []UserID, lvl AccessLevel) {
		for _, u := range users {
			if u == a.Owner {
				// Only reachable with AtLeast, which never affects the owner.
				continue
			}
			if d.AtLeast && targets[u] > lvl {
				continue
			}
			targets[u] = lvl
		}
	}
	assign(d.Admin, AccessAdmin)
	assign(d.Write, AccessWrite)
	assign(d.Read, AccessRead)

	var admin, write, read []UserID
	for u, lvl := range targets {
		switch lvl {
		case AccessAdmin:
			admin = append(admin, u)
		case AccessWrite:
			write = append(write, u)
		case AccessRead:
			read = append(read, u)
		}
	}
	publicRead := a.PublicRead
	if d.PublicRead != nil {
		publicRead = *d.PublicRead
	}
	ownerless, err := NewACLOwnerless(admin, write, read, publicRead)
	if err != nil {
		return ACL{}, err
	}
	return NewACL(a.Owner, updateTime, ownerless)
}
