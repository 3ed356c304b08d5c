package model

// Operator types the scheduler and the trans-node engine treat specially.
const (
	TypeData            = "Data"
	TypeConst           = "Const"
	TypeConstant        = "Constant"
	TypeVariable        = "Variable"
	TypeNetOutput       = "NetOutput"
	TypeIf              = "If"
	TypeStatelessIf     = "StatelessIf"
	TypeWhile           = "While"
	TypeStatelessWhile  = "StatelessWhile"
	TypeCase            = "Case"
	TypePartitionedCall = "PartitionedCall"
	TypeLabelSet        = "LabelSet"
	TypeLabelGoto       = "LabelGotoEx"
	TypeLabelSwitch     = "LabelSwitchByIndex"
	TypeMemSet          = "MemSet"

	TypeCast         = "Cast"
	TypeTransData    = "TransData"
	TypeTransDataRNN = "TransDataRNN"
	TypeTranspose    = "TransposeD"
	TypeReshape      = "Reshape"
	TypeReformat     = "ReFormat"
	TypeSqueezeV2    = "SqueezeV2"
	TypeUnsqueezeV2  = "UnsqueezeV2"
)

// AttrIndex is the parent anchor index carried by Data placeholders.
const AttrIndex = "index"

// IsControlFlow reports whether typ is an If/While/Case container.
func IsControlFlow(typ string) bool {
	switch typ {
	case TypeIf, TypeStatelessIf, TypeWhile, TypeStatelessWhile, TypeCase:
		return true
	}
	return false
}

// IsWhile reports whether typ is a loop container.
func IsWhile(typ string) bool {
	return typ == TypeWhile || typ == TypeStatelessWhile
}

// IsBoundary reports whether typ marks a subgraph input or a static tensor.
func IsBoundary(typ string) bool {
	switch typ {
	case TypeData, TypeConst, TypeConstant, TypeVariable:
		return true
	}
	return false
}

// IsLabel reports whether typ is one of the label primitives.
func IsLabel(typ string) bool {
	return typ == TypeLabelSet || typ == TypeLabelGoto || typ == TypeLabelSwitch
}
