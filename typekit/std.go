package typekit

// StdTypekit is the name of the built-in typekit
const StdTypekit = "std"

// Std returns the built-in typekit with the basic numeric and string types
func Std() Typekit {
	return Typekit{
		Name: StdTypekit,
		Types: []Descriptor{
			{Name: "/bool"},
			{Name: "/int8_t", Aliases: []string{"/char"}, ConvertsTo: []string{"/int16_t", "/int32_t", "/int64_t", "/double"}},
			{Name: "/uint8_t", Aliases: []string{"/unsigned char"}, ConvertsTo: []string{"/uint16_t", "/uint32_t", "/uint64_t"}},
			{Name: "/int16_t", Aliases: []string{"/short"}, ConvertsTo: []string{"/int32_t", "/int64_t", "/double"}},
			{Name: "/uint16_t", Aliases: []string{"/unsigned short"}, ConvertsTo: []string{"/uint32_t", "/uint64_t"}},
			{Name: "/int32_t", Aliases: []string{"/int"}, ConvertsTo: []string{"/int64_t", "/double"}},
			{Name: "/uint32_t", Aliases: []string{"/unsigned int"}, ConvertsTo: []string{"/uint64_t"}},
			{Name: "/int64_t", Aliases: []string{"/long long"}},
			{Name: "/uint64_t", Aliases: []string{"/unsigned long long"}},
			{Name: "/float", ConvertsTo: []string{"/double"}},
			{Name: "/double"},
			{Name: "/std/string", Aliases: []string{"/string"}},
			{Name: "/base/Time"},
		},
	}
}
