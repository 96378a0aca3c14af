package domain

// DataType names a kind of DDF record.
type DataType string

const (
	DataTypeConcepts   DataType = "concepts"
	DataTypeEntities   DataType = "entities"
	DataTypeDatapoints DataType = "datapoints"
)

// DataTypes lists the record kinds in import order.
var DataTypes = []DataType{DataTypeConcepts, DataTypeEntities, DataTypeDatapoints}

// Valid reports whether t is a known record kind.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeConcepts, DataTypeEntities, DataTypeDatapoints:
		return true
	}
	return false
}
