package log

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const separator = "--------------------------------------"

// PrintArray writes items for a command: one JSON document with --json,
// a block of "Field: value" lines per item otherwise.
func PrintArray[K any](cmd *cobra.Command, items []K, labels map[string]string) {
	if wantsJSON(cmd) {
		printJSON(cmd.Context(), items)
		return
	}
	PrettyPrintArray(cmd.Context(), items, labels)
}

func PrintValue(cmd *cobra.Command, value any, labels map[string]string) {
	if wantsJSON(cmd) {
		printJSON(cmd.Context(), value)
		return
	}
	PrettyPrint(cmd.Context(), value, labels)
}

func PrettyPrintArray[K any](ctx context.Context, items []K, labels map[string]string) {
	l := From(ctx)

	if len(items) == 0 {
		l.Println("NO RESULTS")
		return
	}

	l.Println(separator)
	for _, item := range items {
		PrettyPrint(ctx, item, labels)
		l.Println(separator)
	}
}

// PrettyPrint writes the exported, non-zero fields of a struct one per line.
// labels renames fields; anything that is not a struct is printed as JSON.
func PrettyPrint(ctx context.Context, value any, labels map[string]string) {
	l := From(ctx)

	v := reflect.Indirect(reflect.ValueOf(value))
	if v.Kind() != reflect.Struct {
		printJSON(ctx, value)
		return
	}

	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		if !field.IsExported() || v.Field(i).IsZero() {
			continue
		}

		name := field.Name
		if label, ok := labels[name]; ok {
			name = label
		}
		l.Printf("%s: %s", name, format(reflect.Indirect(v.Field(i))))
	}
}

func format(v reflect.Value) string {
	switch x := v.Interface().(type) {
	case time.Time:
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.String {
			parts := make([]string, v.Len())
			for i := range parts {
				parts[i] = v.Index(i).String()
			}
			return strings.Join(parts, ", ")
		}
		fallthrough
	case reflect.Struct, reflect.Map:
		data, _ := json.Marshal(v.Interface())
		return string(data)
	default:
		return fmt.Sprint(v.Interface())
	}
}

func wantsJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func printJSON(ctx context.Context, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		From(ctx).Error("failed to encode output", zap.Error(err))
		return
	}
	From(ctx).Println(string(data))
}
