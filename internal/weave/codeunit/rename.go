package codeunit

import "strings"

// Rename returns a copy of u named newName, with every reference the unit
// makes to itself rewritten: instruction owners and types, descriptors, and
// class constants. References to other units are untouched.
func Rename(u *Unit, newName string) (*Unit, error) {
	c, err := Clone(u)
	if err != nil {
		return nil, err
	}
	old := c.Name
	if old == newName {
		return c, nil
	}
	oldDesc, newDesc := "L"+old+";", "L"+newName+";"
	desc := func(s string) string { return strings.ReplaceAll(s, oldDesc, newDesc) }
	name := func(s string) string {
		if s == old {
			return newName
		}
		return desc(s)
	}

	c.Name = newName
	for i := range c.InnerClasses {
		ic := &c.InnerClasses[i]
		if ic.OuterName == old {
			ic.OuterName = newName
		}
	}
	for i := range c.Fields {
		c.Fields[i].Desc = desc(c.Fields[i].Desc)
	}
	for i := range c.Methods {
		m := &c.Methods[i]
		m.Desc = desc(m.Desc)
		for j := range m.Code {
			in := &m.Code[j]
			in.Owner = name(in.Owner)
			in.Type = name(in.Type)
			in.Desc = desc(in.Desc)
			if in.Const != nil && in.Const.Kind == ConstType {
				in.Const.String = desc(in.Const.String)
			}
		}
		for j := range m.TryCatch {
			m.TryCatch[j].Type = name(m.TryCatch[j].Type)
		}
	}
	return c, nil
}
