package remote

import "strings"

// Permission is a single server-side capability of an entry.
type Permission uint16

const (
	PermShared Permission = 1 << iota
	PermCanRename
	PermMounted
	PermMountedSub
	PermCanWrite
	PermCanDelete
	PermCanMove
	PermCanAddFile
	PermCanAddSubDirectories

	permNotNull
)

var permLetters = []struct {
	letter byte
	perm   Permission
}{
	{'S', PermShared},
	{'R', PermCanRename},
	{'M', PermMounted},
	{'m', PermMountedSub},
	{'W', PermCanWrite},
	{'D', PermCanDelete},
	{'V', PermCanMove},
	{'C', PermCanAddFile},
	{'K', PermCanAddSubDirectories},
}

// Permissions is the set of capabilities the server reports for an entry.
// The zero value is null: the server sent no permission string at all.
type Permissions struct {
	bits Permission
}

// ParsePermissions builds a non-null set from the server's letter string.
// Unknown letters are ignored.
func ParsePermissions(s string) Permissions {
	p := Permissions{bits: permNotNull}
	for i := 0; i < len(s); i++ {
		for _, pl := range permLetters {
			if s[i] == pl.letter {
				p.bits |= pl.perm
				break
			}
		}
	}
	return p
}

// IsNull reports whether the set was never populated from the server.
func (p Permissions) IsNull() bool {
	return p.bits&permNotNull == 0
}

// Has reports whether perm is in the set.
func (p Permissions) Has(perm Permission) bool {
	return p.bits&perm != 0
}

// Set adds perm. The set becomes non-null.
func (p *Permissions) Set(perm Permission) {
	p.bits |= perm | permNotNull
}

// Unset removes perm.
func (p *Permissions) Unset(perm Permission) {
	p.bits &^= perm
}

// String renders the letters back in canonical order. A null set renders
// as the empty string.
func (p Permissions) String() string {
	var b strings.Builder
	for _, pl := range permLetters {
		if p.Has(pl.perm) {
			b.WriteByte(pl.letter)
		}
	}
	return b.String()
}
