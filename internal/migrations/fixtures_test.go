package migrations

import (
	"github.com/ksred/schemaflow/internal/state"
)

func strPtr(s string) *string { return &s }

func idField() state.FieldState {
	return state.FieldState{Name: "id", Type: "serial", PrimaryKey: true}
}

func mig(app, name string, ops []Operation, deps ...Key) *Migration {
	m := New(app, name, deps...)
	m.Operations = ops
	return m
}

// shopHistory is a small two-app history:
//
//	auth.0001_initial      User
//	shop.0001_initial      Product
//	shop.0002_product_price  (depends on shop.0001)
//	shop.0003_order          (depends on shop.0002 and auth.0001)
func shopHistory() []*Migration {
	return []*Migration{
		mig("auth", "0001_initial", []Operation{
			&CreateModel{Name: "User", Fields: []state.FieldState{
				idField(),
				{Name: "email", Type: "varchar(255)", Unique: true},
			}},
		}),
		mig("shop", "0001_initial", []Operation{
			&CreateModel{Name: "Product", Fields: []state.FieldState{
				idField(),
				{Name: "name", Type: "varchar(100)"},
			}},
		}),
		mig("shop", "0002_product_price", []Operation{
			&AddField{Model: "Product", Field: state.FieldState{Name: "price", Type: "decimal(10,2)", Nullable: true}},
		}, k("shop", "0001_initial")),
		mig("shop", "0003_order", []Operation{
			&CreateModel{Name: "Order", Fields: []state.FieldState{
				idField(),
				{Name: "product_id", Type: "integer", ForeignKey: &state.ForeignKeyRef{App: "shop", Model: "Product", OnDelete: "cascade"}},
				{Name: "user_id", Type: "integer", ForeignKey: &state.ForeignKeyRef{App: "auth", Model: "User"}},
			}},
		}, k("shop", "0002_product_price"), k("auth", "0001_initial")),
	}
}

// productSquash replaces shop.0001 and shop.0002 with one migration
func productSquash() *Migration {
	m := mig("shop", "0001_squashed_0002", []Operation{
		&CreateModel{Name: "Product", Fields: []state.FieldState{
			idField(),
			{Name: "name", Type: "varchar(100)"},
			{Name: "price", Type: "decimal(10,2)", Nullable: true},
		}},
	})
	m.Replaces = []Key{k("shop", "0001_initial"), k("shop", "0002_product_price")}
	return m
}

func appliedSet(keys ...Key) map[Key]bool {
	out := make(map[Key]bool, len(keys))
	for _, key := range keys {
		out[key] = true
	}
	return out
}
