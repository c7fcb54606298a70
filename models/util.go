package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateName generates a placeholder instance name with the given prefix.
// Example: GenerateName("vm") -> "vm-1b4e28ba"
func GenerateName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, GenerateToken())
}

// GenerateToken returns a short random token suitable as an instance name
// collision suffix.
func GenerateToken() string {
	return strings.SplitN(uuid.New().String(), "-", 2)[0]
}
