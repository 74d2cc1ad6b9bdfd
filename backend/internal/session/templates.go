package session

import "codeCollab/backend/internal/wire"

const fallbackTemplate = "// Start coding here...\n"

var templates = map[wire.Language]string{
	wire.JavaScript: `// JavaScript Code
// Start coding here...

function main() {
  console.log("Hello, World!");
}

main();
`,
	wire.Python: `# Python Code
# Start coding here...

def main():
    print("Hello, World!")

if __name__ == "__main__":
    main()
`,
	wire.Cpp: `// C++ Code
// Start coding here...

#include <iostream>

int main() {
    std::cout << "Hello, World!" << std::endl;
    return 0;
}
`,
	wire.Java: `// Java Code
// Start coding here...

public class Main {
    public static void main(String[] args) {
        System.out.println("Hello, World!");
    }
}
`,
}

// Template 空文档的初始内容
func Template(l wire.Language) string {
	if t, ok := templates[l]; ok {
		return t
	}
	return fallbackTemplate
}
