package model

func customerType() *Type {
	return &Type{
		Name:   "Customer",
		Table:  "customers",
		Keys:   []KeyField{{Name: "id", Kind: KindInt64, ServerGenerated: true}},
		Fields: []Field{{Name: "name", Kind: FieldString}},
	}
}

func orderLineType() *Type {
	return &Type{
		Name: "OrderLine",
		Keys: []KeyField{
			{Name: "order_id", Kind: KindInt64, From: "order"},
			{Name: "line_no", Kind: KindInt32},
		},
		Fields: []Field{{Name: "qty", Kind: FieldInt}},
		Refs:   []Reference{{Name: "order", Target: "Customer", Required: true}},
	}
}

func testModel() *Model {
	return MustModel("test", customerType(), orderLineType())
}
