package pipeline

import "fmt"

func goTypeName(v any) string {
	return fmt.Sprintf("%T", v)
}
